package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/payguard/payguard/internal/idgen"
	"github.com/payguard/payguard/internal/logging"
	"github.com/payguard/payguard/internal/metrics"
)

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Sink commits records to the primary store, spilling to a local
// append-only file when the primary is down. It never swallows: if both
// primary and fallback fail, the error surfaces to the caller so no
// decision can be returned without a durable trace.
type Sink struct {
	primary     Store
	fallbackDir string
	seq         atomic.Uint64
}

// NewSink creates a sink over the primary store. fallbackDir is created
// on first spill if it does not exist.
func NewSink(primary Store, fallbackDir string) *Sink {
	return &Sink{primary: primary, fallbackDir: fallbackDir}
}

// Commit persists one decision record. Fills in ID and CreatedAt when the
// caller left them zero.
func (s *Sink) Commit(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = idgen.WithPrefix("aud_")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	primaryErr := s.primary.Insert(ctx, rec)
	if primaryErr == nil {
		return nil
	}

	logging.L(ctx).Error("audit primary failed, spilling to fallback",
		"payout_id", rec.PayoutID, "error", primaryErr)
	metrics.AuditFallbackTotal.Inc()

	if err := s.spill(rec); err != nil {
		return fmt.Errorf("audit commit failed on both backends: primary: %v; fallback: %w", primaryErr, err)
	}
	return nil
}

// Query reads from the primary store. Spilled records are not visible
// until re-ingested by the operator.
func (s *Sink) Query(ctx context.Context, f Filter) ([]*Record, error) {
	return s.primary.Query(ctx, f)
}

// spill serializes the record to {payout_id}_{unixnano}_{seq}.json. The
// per-process sequence keeps names unique even within one nanosecond tick.
func (s *Sink) spill(rec *Record) error {
	if s.fallbackDir == "" {
		return fmt.Errorf("no fallback directory configured")
	}
	if err := os.MkdirAll(s.fallbackDir, 0o750); err != nil {
		return fmt.Errorf("create fallback dir: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	safe := unsafeFilenameChars.ReplaceAllString(rec.PayoutID, "_")
	name := fmt.Sprintf("%s_%d_%d.json", safe, time.Now().UnixNano(), s.seq.Add(1))
	path := filepath.Join(s.fallbackDir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640) // #nosec G304 -- name derived from sanitized payout id
	if err != nil {
		return fmt.Errorf("open fallback file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write fallback file: %w", err)
	}
	return f.Sync()
}
