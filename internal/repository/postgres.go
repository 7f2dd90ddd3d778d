// Package repository provides durable backends for assignment fingerprints:
// PostgreSQL through pgx and Redis through go-redis. Both satisfy
// [exposure.Backend] so a hybrid cache can preload them at start-up and mirror
// writes in the background.
package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/variantz/internal/exposure"
)

const defaultNamespace = "default"

// PostgresBackend stores fingerprints in the assignment_fingerprints table,
// partitioned by namespace so several services can share one database.
type PostgresBackend struct {
	pool      *pgxpool.Pool
	namespace string
}

func NewPostgresBackend(pool *pgxpool.Pool, namespace string) *PostgresBackend {
	return &PostgresBackend{pool: pool, namespace: normalizeNamespace(namespace)}
}

// Entries returns every fingerprint in the backend's namespace.
func (b *PostgresBackend) Entries(ctx context.Context) (map[string]string, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT key, value
		FROM assignment_fingerprints
		WHERE namespace = $1`,
		b.namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("query assignment fingerprints: %w", err)
	}

	entries := map[string]string{}
	var key, value string
	_, err = pgx.ForEachRow(rows, []any{&key, &value}, func() error {
		entries[key] = value
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan assignment fingerprints: %w", err)
	}
	return entries, nil
}

// SetEntries upserts entries in one batch round trip.
func (b *PostgresBackend) SetEntries(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for key, value := range entries {
		batch.Queue(`
			INSERT INTO assignment_fingerprints (namespace, key, value, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (namespace, key)
			DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
			b.namespace, key, value,
		)
	}
	if err := b.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert assignment fingerprints: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Clear(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM assignment_fingerprints WHERE namespace = $1`, b.namespace); err != nil {
		return fmt.Errorf("clear assignment fingerprints: %w", err)
	}
	return nil
}

// PruneBefore deletes fingerprints not written since cutoff and returns how
// many were removed. The stored configuration revision is never pruned.
func (b *PostgresBackend) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx, `
		DELETE FROM assignment_fingerprints
		WHERE namespace = $1 AND updated_at < $2 AND key <> $3`,
		b.namespace, cutoff, exposure.RevisionKey,
	)
	if err != nil {
		return 0, fmt.Errorf("prune assignment fingerprints: %w", err)
	}
	return tag.RowsAffected(), nil
}

func normalizeNamespace(namespace string) string {
	if trimmed := strings.TrimSpace(namespace); trimmed != "" {
		return trimmed
	}
	return defaultNamespace
}
