package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Target describes one synchronous collaborator endpoint.
type Target struct {
	Name string
	URL  string
	// Timeout is mandatory: a zero value is rejected at construction.
	Timeout time.Duration
	// MaxInFlight bounds concurrent calls to this target so a slow
	// collaborator cannot starve calls to a healthy one.
	MaxInFlight int
}

// Caller performs a synchronous A2A request/response exchange.
type Caller interface {
	Call(ctx context.Context, target string, env Envelope) (*Envelope, error)
}

// HTTPCaller implements Caller over plain HTTP POST, one semaphore per
// target.
type HTTPCaller struct {
	client  *http.Client
	targets map[string]Target
	slots   map[string]chan struct{}
	logger  *slog.Logger
}

func NewHTTPCaller(logger *slog.Logger, targets []Target) (*HTTPCaller, error) {
	caller := &HTTPCaller{
		client:  &http.Client{},
		targets: make(map[string]Target, len(targets)),
		slots:   make(map[string]chan struct{}, len(targets)),
		logger:  logger.With("module", "a2a_caller"),
	}

	for _, target := range targets {
		if target.Timeout <= 0 {
			return nil, fmt.Errorf("target %s has no timeout configured", target.Name)
		}

		if target.MaxInFlight <= 0 {
			target.MaxInFlight = 8
		}

		caller.targets[target.Name] = target
		caller.slots[target.Name] = make(chan struct{}, target.MaxInFlight)
	}

	return caller, nil
}

func (c *HTTPCaller) Call(ctx context.Context, targetName string, env Envelope) (*Envelope, error) {
	target, ok := c.targets[targetName]
	if !ok {
		return nil, fmt.Errorf("unknown a2a target: %s", targetName)
	}

	slots := c.slots[targetName]

	select {
	case slots <- struct{}{}:
		defer func() { <-slots }()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for call slot: %w", ErrTimedOut, ctx.Err())
	}

	ctx, cancel := context.WithTimeout(ctx, target.Timeout)
	defer cancel()

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", env.CorrelationID)

	c.logger.DebugContext(ctx, "Calling collaborator",
		"target", targetName,
		"correlation_id", env.CorrelationID,
		"message_id", env.MessageID,
	)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimedOut, targetName)
		}

		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, targetName, err)
	}

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			c.logger.ErrorContext(ctx, "Failed to close response body", "error", err)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnauthorized, targetName, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: %s returned %d", ErrBadRequest, targetName, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnreachable, targetName, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response from %s: %v", ErrUnreachable, targetName, err)
	}

	var response Envelope

	err = json.Unmarshal(data, &response)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid response envelope from %s: %v", ErrBadRequest, targetName, err)
	}

	return &response, nil
}
