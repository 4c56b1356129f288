package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit_logs table if it doesn't exist. The unique
// index excludes SKIPPED markers so idempotent replays of a decided payout
// can still be recorded.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_logs (
			id            VARCHAR(64) PRIMARY KEY,
			payout_id     VARCHAR(128) NOT NULL,
			agent_id      VARCHAR(128) NOT NULL,
			amount        BIGINT NOT NULL,
			currency      VARCHAR(3) NOT NULL,
			vendor_name   TEXT,
			vendor_url    TEXT,
			decision      VARCHAR(16) NOT NULL,
			reason_code   VARCHAR(32) NOT NULL,
			reason_detail TEXT,
			threat_tags   TEXT[] NOT NULL DEFAULT '{}',
			processing_ms BIGINT NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_logs_payout
			ON audit_logs(payout_id) WHERE decision <> 'SKIPPED';
		CREATE INDEX IF NOT EXISTS idx_audit_logs_agent ON audit_logs(agent_id);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs(created_at);
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, payout_id, agent_id, amount, currency,
			vendor_name, vendor_url, decision, reason_code, reason_detail,
			threat_tags, processing_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		rec.ID, rec.PayoutID, rec.AgentID, rec.Amount, rec.Currency,
		rec.VendorName, rec.VendorURL, rec.Decision, rec.ReasonCode, rec.ReasonDetail,
		pq.Array(tagsOrEmpty(rec.ThreatTags)), rec.ProcessingMS, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (p *PostgresStore) Query(ctx context.Context, f Filter) ([]*Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, val interface{}) {
		args = append(args, val)
		where = append(where, clause+"$"+strconv.Itoa(len(args)))
	}
	if f.AgentID != "" {
		add("agent_id = ", f.AgentID)
	}
	if f.Decision != "" {
		add("decision = ", f.Decision)
	}
	if f.PayoutID != "" {
		add("payout_id = ", f.PayoutID)
	}
	if !f.Since.IsZero() {
		add("created_at >= ", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= ", f.Until)
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `
		SELECT id, payout_id, agent_id, amount, currency,
			vendor_name, vendor_url, decision, reason_code, reason_detail,
			threat_tags, processing_ms, created_at
		FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += " ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		var rec Record
		var vendorName, vendorURL, reasonDetail sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.PayoutID, &rec.AgentID, &rec.Amount, &rec.Currency,
			&vendorName, &vendorURL, &rec.Decision, &rec.ReasonCode, &reasonDetail,
			pq.Array(&rec.ThreatTags), &rec.ProcessingMS, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.VendorName = vendorName.String
		rec.VendorURL = vendorURL.String
		rec.ReasonDetail = reasonDetail.String
		result = append(result, &rec)
	}
	return result, rows.Err()
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
