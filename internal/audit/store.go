package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

func pgxUUIDOrNil(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

const insertAuditLogEntry = `
INSERT INTO audit_log (user_id, action, resource, resource_id, detail, ip_address, user_agent)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// pgxBatch accumulates Entry rows and sends them to Postgres in one batched
// round trip, the hand-rolled raw-SQL equivalent of the sqlc-generated
// CreateAuditLogEntry call this package's teacher relied on.
type pgxBatch struct {
	batch pgx.Batch
	n     int
}

func (b *pgxBatch) queue(e Entry) {
	b.batch.Queue(insertAuditLogEntry,
		e.UserID, e.Action, e.Resource,
		pgxUUIDOrNil(e.ResourceID), e.Detail, e.IPAddress, e.UserAgent,
	)
	b.n++
}

func (b *pgxBatch) send(ctx context.Context, pool *pgxpool.Pool) error {
	if b.n == 0 {
		return nil
	}

	results := pool.SendBatch(ctx, &b.batch)
	defer results.Close()

	for i := 0; i < b.n; i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("executing audit insert %d/%d: %w", i+1, b.n, err)
		}
	}
	return nil
}
