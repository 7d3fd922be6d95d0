package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const insertEventSQL = `INSERT INTO audit_events
	(id, event_type, action, description, user_id, severity, details, ip_address, user_agent, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// PGSink mirrors audit events into the audit_events table.
type PGSink struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPGSink returns a sink writing through the pool.
func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool, timeout: 2 * time.Second}
}

// Write persists the event.
func (s *PGSink) Write(ctx context.Context, event Event) error {
	if s == nil || s.pool == nil {
		return errors.New("audit: postgres sink not initialised")
	}
	details, err := json.Marshal(event.Details)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	_, err = s.pool.Exec(ctx, insertEventSQL,
		event.ID,
		string(event.Type),
		event.Action,
		event.Description,
		optionalText(event.UserID),
		string(event.Severity),
		details,
		optionalText(event.IPAddress),
		optionalText(event.UserAgent),
		event.CreatedAt,
	)
	return err
}

func optionalText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}

var _ Sink = (*PGSink)(nil)
