// Package persistence records finalized instruction batches in Postgres.
// Live session state is never persisted; only the audit trail of what was
// handed to the submission service.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// BatchRow is a row in audit.batches.
type BatchRow struct {
	BatchID   string
	SessionID string
	CreatedAt time.Time
	LegCount  int
}

// LegRow is a row in audit.legs.
type LegRow struct {
	BatchID    string
	LegIndex   int
	FromDID    string
	FromNumber int64
	ToDID      string
	ToNumber   int64
	AssetID    string
	Amount     string
	TokenIDs   []string
	Memo       string
}

// AuditWriter batch-inserts audit rows. Inserts are idempotent on the
// batch id so a retried flush never duplicates rows.
type AuditWriter struct {
	db *sql.DB
}

func NewAuditWriter(db *sql.DB) *AuditWriter {
	return &AuditWriter{db: db}
}

func (w *AuditWriter) writeBatches(ctx context.Context, tx *sql.Tx, batches []BatchRow) error {
	if len(batches) == 0 {
		return nil
	}

	query := `INSERT INTO audit.batches (batch_id, session_id, created_at, leg_count) VALUES `
	values := make([]string, 0, len(batches))
	args := make([]interface{}, 0, len(batches)*4)

	for i, b := range batches {
		base := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
		args = append(args, b.BatchID, b.SessionID, b.CreatedAt, b.LegCount)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (batch_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *AuditWriter) writeLegs(ctx context.Context, tx *sql.Tx, legs []LegRow) error {
	if len(legs) == 0 {
		return nil
	}

	query := `INSERT INTO audit.legs
		(batch_id, leg_index, from_did, from_portfolio, to_did, to_portfolio, asset_id, amount, token_ids, memo)
		VALUES `

	values := make([]string, 0, len(legs))
	args := make([]interface{}, 0, len(legs)*10)

	for i, l := range legs {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			l.BatchID, l.LegIndex, l.FromDID, l.FromNumber,
			l.ToDID, l.ToNumber, l.AssetID, l.Amount,
			pq.Array(l.TokenIDs), l.Memo,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (batch_id, leg_index) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
