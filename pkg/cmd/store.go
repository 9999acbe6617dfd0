// Package cmd provides shared construction helpers for the secflow binaries.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/secflow-io/secflow/pkg/store"
	"github.com/secflow-io/secflow/pkg/store/file"
	"github.com/secflow-io/secflow/pkg/store/postgres"
)

// NewStore builds a store from a URL. postgres:// URLs get the SQL store;
// anything else is treated as a filesystem root for the file store.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) store.Store {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		st, err := postgres.NewStore(ctx, logger, databaseURL)
		if err != nil {
			panic("failed to create postgres store: " + err.Error())
		}

		return st
	default:
		st, err := file.NewStore(strings.TrimPrefix(databaseURL, "file://"))
		if err != nil {
			panic("failed to create file store: " + err.Error())
		}

		return st
	}
}
