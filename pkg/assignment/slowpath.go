package assignment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SlowPathRequest is a durable row recording a user who needs a node
// assigned once pool capacity frees up. The web handler that enqueues it
// never blocks waiting for capacity — a worker process drains the queue.
type SlowPathRequest struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	CreatedAt time.Time
	Resolved  bool
}

// SlowPathQueue is the persistent backlog of deferred assignments.
type SlowPathQueue struct {
	db *pgxpool.Pool
}

// NewSlowPathQueue wraps db.
func NewSlowPathQueue(db *pgxpool.Pool) *SlowPathQueue {
	return &SlowPathQueue{db: db}
}

// Enqueue records userID as awaiting assignment. Safe to call repeatedly —
// a user with an already-unresolved entry is not duplicated.
func (q *SlowPathQueue) Enqueue(ctx context.Context, userID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO slow_path_requests (id, user_id, resolved)
		VALUES ($1, $2, false)
		ON CONFLICT (user_id) WHERE NOT resolved DO NOTHING`,
		uuid.New(), userID)
	if err != nil {
		return fmt.Errorf("enqueuing slow-path request for user %s: %w", userID, err)
	}
	return nil
}

// ListUnresolved returns every pending slow-path request, oldest first, for
// the drainer to work through.
func (q *SlowPathQueue) ListUnresolved(ctx context.Context) ([]*SlowPathRequest, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, user_id, created_at, resolved FROM slow_path_requests
		WHERE NOT resolved ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing unresolved slow-path requests: %w", err)
	}
	defer rows.Close()

	var out []*SlowPathRequest
	for rows.Next() {
		var r SlowPathRequest
		if err := rows.Scan(&r.ID, &r.UserID, &r.CreatedAt, &r.Resolved); err != nil {
			return nil, fmt.Errorf("scanning slow-path request: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Resolve marks a request resolved once a node has been assigned.
func (q *SlowPathQueue) Resolve(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE slow_path_requests SET resolved = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("resolving slow-path request %s: %w", id, err)
	}
	return nil
}
