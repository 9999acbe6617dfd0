// Package file provides a JSON-file backed store implementation. It is the
// development and test backend; production deployments use postgres.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const dirPerm = 0o755

// Store persists every entity as one JSON document under root. The mutex
// only serializes writers within this process; the version check itself is
// persisted with the document, so cross-restart semantics match postgres.
type Store struct {
	root string
	mu   sync.Mutex
}

func NewStore(root string) (*Store, error) {
	for _, dir := range []string{"workflows", "vulnerabilities", "approvals", "decisions", "audit"} {
		err := os.MkdirAll(filepath.Join(root, dir), dirPerm)
		if err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}

	return &Store{root: root}, nil
}

func (s *Store) HealthCheck(_ context.Context) error {
	_, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("store root unavailable: %w", err)
	}

	return nil
}

func (s *Store) Close(_ context.Context) error {
	return nil
}

func (s *Store) path(kind, id string) string {
	return filepath.Join(s.root, kind, id+".json")
}

func (s *Store) read(kind, id string, out any) error {
	data, err := os.ReadFile(s.path(kind, id))
	if err != nil {
		return err
	}

	return json.Unmarshal(data, out)
}

func (s *Store) write(kind, id string, in any) error {
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", kind, id, err)
	}

	return os.WriteFile(s.path(kind, id), data, 0o600)
}

func (s *Store) list(kind string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}

		ids = append(ids, name[:len(name)-len(".json")])
	}

	return ids, nil
}
