package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// TryRecordWebhookSignature atomically inserts (workflow_id, signature) into
// the replay cache. Returns (true, nil) when newly inserted, (false, nil) on
// a duplicate (the unique constraint rejected it) — never an error for the
// legitimate replay case.
func (s *Store) TryRecordWebhookSignature(ctx context.Context, workflowID uuid.UUID, signatureHex string) (bool, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_webhook_signatures (workflow_id, signature, seen_at)
		VALUES ($1, $2, now())`, workflowID, signatureHex)
	if err == nil {
		return true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return false, nil
	}
	return false, fmt.Errorf("recording webhook signature: %w", err)
}

// PruneWebhookSignatures deletes replay cache entries older than window for
// workflowID. Nothing in this module calls it, so entries are kept until a
// caller does.
func (s *Store) PruneWebhookSignatures(ctx context.Context, workflowID uuid.UUID, window time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM workflow_webhook_signatures
		WHERE workflow_id = $1 AND seen_at < now() - make_interval(secs => $2)`,
		workflowID, window.Seconds())
	if err != nil {
		return fmt.Errorf("pruning webhook signatures: %w", err)
	}
	return nil
}
