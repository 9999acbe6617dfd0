package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	deliveryCountKey = "delivery_count"
	expiresAtKey     = "expires_at"

	defaultMaxDeliveries = 5
)

// DeadLetterSuffix is appended to a queue name to form its dead-letter list.
const DeadLetterSuffix = ":dead"

// QueueHandler processes one dequeued envelope. Returning an error requeues
// the message until its delivery-attempt bound is reached, after which it is
// diverted to the dead-letter list.
type QueueHandler func(ctx context.Context, env Envelope) error

// Queue is the asynchronous half of the A2A transport, backed by redis
// lists. Enqueue is used by the engine for remediation dispatch; Consume is
// used by the engine daemon for result callbacks and dead-letter intake.
type Queue struct {
	client        redis.UniversalClient
	maxDeliveries int
	logger        *slog.Logger
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

func NewQueue(ctx context.Context, addr, password string, db, maxDeliveries int, logger *slog.Logger) (*Queue, error) {
	if maxDeliveries <= 0 {
		maxDeliveries = defaultMaxDeliveries
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := client.Ping(pingCtx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", addr, "db", db)

	return &Queue{
		client:        client,
		maxDeliveries: maxDeliveries,
		logger:        logger.With("module", "a2a_queue"),
		stopCh:        make(chan struct{}),
	}, nil
}

// Enqueue pushes an envelope onto the named queue with a time-to-live.
// Messages past their ttl are dropped at consumption time.
func (q *Queue) Enqueue(ctx context.Context, queue string, env Envelope, ttl time.Duration) error {
	if env.Metadata == nil {
		env.Metadata = make(map[string]string)
	}

	if ttl > 0 {
		env.Metadata[expiresAtKey] = time.Now().UTC().Add(ttl).Format(time.RFC3339)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = q.client.LPush(ctx, queue, payload).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	q.logger.InfoContext(ctx, "Enqueued message",
		"queue", queue,
		"correlation_id", env.CorrelationID,
	)

	return nil
}

// Consume runs a blocking consumer loop for the named queue until Stop or
// context cancellation.
func (q *Queue) Consume(ctx context.Context, queue string, handler QueueHandler) {
	q.wg.Add(1)

	go func() {
		defer q.wg.Done()

		q.logger.InfoContext(ctx, "Starting queue consumer", "queue", queue)

		for {
			select {
			case <-q.stopCh:
				q.logger.InfoContext(ctx, "Queue consumer stopped", "queue", queue)

				return
			case <-ctx.Done():
				q.logger.InfoContext(ctx, "Context cancelled, stopping queue consumer", "queue", queue)

				return
			default:
				err := q.processMessage(ctx, queue, handler)
				if err != nil {
					q.logger.ErrorContext(ctx, "Error processing message", "queue", queue, "error", err)
					time.Sleep(1 * time.Second)
				}
			}
		}
	}()
}

func (q *Queue) processMessage(ctx context.Context, queue string, handler QueueHandler) error {
	result, err := q.client.BRPop(ctx, 1*time.Second, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	var env Envelope

	err = json.Unmarshal([]byte(result[1]), &env)
	if err != nil {
		q.logger.ErrorContext(ctx, "Dropping malformed queue message", "queue", queue, "error", err)

		return nil
	}

	if q.expired(env) {
		q.logger.WarnContext(ctx, "Dropping expired message",
			"queue", queue,
			"correlation_id", env.CorrelationID,
		)

		return nil
	}

	err = handler(ctx, env)
	if err != nil {
		return q.redeliver(ctx, queue, env, err)
	}

	return nil
}

// redeliver requeues a failed message or diverts it to the dead-letter list
// once its delivery-attempt bound is reached.
func (q *Queue) redeliver(ctx context.Context, queue string, env Envelope, cause error) error {
	deliveries := 1
	if raw, ok := env.Metadata[deliveryCountKey]; ok {
		parsed, err := strconv.Atoi(raw)
		if err == nil {
			deliveries = parsed + 1
		}
	}

	if env.Metadata == nil {
		env.Metadata = make(map[string]string)
	}

	env.Metadata[deliveryCountKey] = strconv.Itoa(deliveries)

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for redelivery: %w", err)
	}

	if deliveries >= q.maxDeliveries {
		q.logger.ErrorContext(ctx, "Delivery bound reached, dead-lettering message",
			"queue", queue,
			"correlation_id", env.CorrelationID,
			"deliveries", deliveries,
			"error", cause,
		)

		err = q.client.LPush(ctx, queue+DeadLetterSuffix, payload).Err()
		if err != nil {
			return fmt.Errorf("failed to dead-letter message: %w", err)
		}

		return nil
	}

	q.logger.WarnContext(ctx, "Requeueing failed message",
		"queue", queue,
		"correlation_id", env.CorrelationID,
		"deliveries", deliveries,
		"error", cause,
	)

	err = q.client.LPush(ctx, queue, payload).Err()
	if err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}

	return nil
}

func (q *Queue) expired(env Envelope) bool {
	raw, ok := env.Metadata[expiresAtKey]
	if !ok {
		return false
	}

	expiresAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}

	return time.Now().UTC().After(expiresAt)
}

// Stop terminates all consumer loops and closes the connection.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()

	if q.client != nil {
		err := q.client.Close()
		if err != nil {
			q.logger.ErrorContext(ctx, "Error closing Redis client", "error", err)
		}
	}

	return nil
}
