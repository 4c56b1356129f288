package policy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the agent_policies table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_policies (
			agent_id           VARCHAR(128) PRIMARY KEY,
			daily_cap          BIGINT NOT NULL,
			per_txn_cap        BIGINT,
			approval_threshold BIGINT,
			allowed_domains    TEXT[] NOT NULL DEFAULT '{}',
			blocked_domains    TEXT[] NOT NULL DEFAULT '{}',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, agentID string) (*AgentPolicy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT agent_id, daily_cap, per_txn_cap, approval_threshold,
			allowed_domains, blocked_domains, created_at, updated_at
		FROM agent_policies WHERE agent_id = $1
	`, agentID)

	var pol AgentPolicy
	var perTxn, approval sql.NullInt64
	err := row.Scan(
		&pol.AgentID, &pol.DailyCap, &perTxn, &approval,
		pq.Array(&pol.AllowedDomains), pq.Array(&pol.BlockedDomains),
		&pol.CreatedAt, &pol.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	if perTxn.Valid {
		pol.PerTxnCap = &perTxn.Int64
	}
	if approval.Valid {
		pol.ApprovalThreshold = &approval.Int64
	}
	return &pol, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, pol *AgentPolicy) error {
	if err := pol.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO agent_policies (
			agent_id, daily_cap, per_txn_cap, approval_threshold,
			allowed_domains, blocked_domains, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (agent_id) DO UPDATE SET
			daily_cap          = EXCLUDED.daily_cap,
			per_txn_cap        = EXCLUDED.per_txn_cap,
			approval_threshold = EXCLUDED.approval_threshold,
			allowed_domains    = EXCLUDED.allowed_domains,
			blocked_domains    = EXCLUDED.blocked_domains,
			updated_at         = EXCLUDED.updated_at
		RETURNING created_at, updated_at
	`,
		pol.AgentID, pol.DailyCap, nullInt64(pol.PerTxnCap), nullInt64(pol.ApprovalThreshold),
		pq.Array(normalized(pol.AllowedDomains)), pq.Array(normalized(pol.BlockedDomains)),
		now,
	).Scan(&pol.CreatedAt, &pol.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*AgentPolicy, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT agent_id, daily_cap, per_txn_cap, approval_threshold,
			allowed_domains, blocked_domains, created_at, updated_at
		FROM agent_policies
		ORDER BY agent_id LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*AgentPolicy
	for rows.Next() {
		var pol AgentPolicy
		var perTxn, approval sql.NullInt64
		if err := rows.Scan(
			&pol.AgentID, &pol.DailyCap, &perTxn, &approval,
			pq.Array(&pol.AllowedDomains), pq.Array(&pol.BlockedDomains),
			&pol.CreatedAt, &pol.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		if perTxn.Valid {
			pol.PerTxnCap = &perTxn.Int64
		}
		if approval.Valid {
			pol.ApprovalThreshold = &approval.Int64
		}
		result = append(result, &pol)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, agentID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM agent_policies WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func normalized(domains []string) []string {
	if domains == nil {
		return []string{}
	}
	out := make([]string, len(domains))
	for i, d := range domains {
		out[i] = strings.ToLower(strings.TrimSpace(d))
	}
	return out
}
