// Package anomaly scores payout intents against each agent's historical
// spending pattern.
//
// The feature vector per event is log10(amount), hour-of-day, day-of-week,
// and a z-score of log-amount against the agent's rolling history. A model
// is a per-agent summary of feature means and deviations, retrained on a
// bounded cadence. Scoring runs on a small worker pool so model math never
// blocks a request goroutine. All outcomes are advisory.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/payguard/payguard/internal/logging"
	"github.com/payguard/payguard/internal/syncutil"
)

const (
	// minSamples is the history size below which scoring is neutral.
	minSamples = 20

	// retrainEvery bounds how often the per-agent model is refit.
	retrainEvery = 25

	// riskThreshold flags scores above it as anomalous.
	riskThreshold = 0.75

	defaultWorkers = 4
)

// Score is the advisory result of one scoring request.
type Score struct {
	Risk      float64 `json:"risk_score"`
	Anomalous bool    `json:"anomalous"`
	Trained   bool    `json:"model_trained"`
	Samples   int     `json:"training_samples"`
	Detail    string  `json:"detail,omitempty"`
}

// Neutral is returned whenever a real score cannot be produced.
func Neutral(samples int, detail string) Score {
	return Score{Risk: 0.5, Samples: samples, Detail: detail}
}

// featureRecord is one historical observation.
type featureRecord struct {
	AmountLog float64 `json:"amount_log"`
	Hour      float64 `json:"hour"`
	Weekday   float64 `json:"weekday"`
	ZScore    float64 `json:"zscore"`
}

// HistoryStore keeps a bounded per-agent feature history.
type HistoryStore interface {
	Append(ctx context.Context, agentID string, rec featureRecord) error
	Recent(ctx context.Context, agentID string, n int) ([]featureRecord, error)
}

// model summarizes an agent's history: mean and deviation of log-amount,
// hour-of-day, and day-of-week. The z-score feature needs no model stats,
// it is already normalized.
type model struct {
	means      [3]float64
	stddevs    [3]float64
	trainedAt  int // history length at fit time
	sinceTrain int
}

// Scorer scores transactions on a worker pool.
type Scorer struct {
	history HistoryStore

	// Per-agent lock keeping the read-history-then-append sequence
	// coherent when several workers score the same agent.
	agents syncutil.ShardedMutex

	mu     sync.Mutex
	models map[string]*model

	jobs chan job
	wg   sync.WaitGroup
	once sync.Once
}

type job struct {
	ctx     context.Context
	agentID string
	amount  int64
	at      time.Time
	reply   chan Score
}

// NewScorer creates a scorer with the given history backend and starts
// its worker pool.
func NewScorer(history HistoryStore, workers int) *Scorer {
	if workers <= 0 {
		workers = defaultWorkers
	}
	s := &Scorer{
		history: history,
		models:  make(map[string]*model),
		jobs:    make(chan job),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Close stops the worker pool. Pending jobs complete first.
func (s *Scorer) Close() {
	s.once.Do(func() { close(s.jobs) })
	s.wg.Wait()
}

// ScoreTransaction evaluates one payout. The computation runs on the
// worker pool; if the pool cannot pick it up before ctx expires, a
// neutral score is returned.
func (s *Scorer) ScoreTransaction(ctx context.Context, agentID string, amount int64, at time.Time) Score {
	reply := make(chan Score, 1)
	select {
	case s.jobs <- job{ctx: ctx, agentID: agentID, amount: amount, at: at, reply: reply}:
	case <-ctx.Done():
		return Neutral(0, "scorer busy")
	}
	select {
	case sc := <-reply:
		return sc
	case <-ctx.Done():
		return Neutral(0, "scoring timed out")
	}
}

func (s *Scorer) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		j.reply <- s.score(j.ctx, j.agentID, j.amount, j.at)
	}
}

func (s *Scorer) score(ctx context.Context, agentID string, amount int64, at time.Time) Score {
	unlock := s.agents.Lock(agentID)
	defer unlock()

	at = at.UTC()
	rec := featureRecord{
		AmountLog: math.Log10(math.Max(float64(amount), 1)),
		Hour:      float64(at.Hour()),
		Weekday:   float64(at.Weekday()),
	}

	// History is read before the current event is recorded so recorded
	// z-scores are computed from prior samples, never placeholders.
	history, err := s.history.Recent(ctx, agentID, 0)
	if err != nil {
		logging.L(ctx).Warn("anomaly history read failed", "agent_id", agentID, "error", err)
		return Neutral(0, fmt.Sprintf("history unavailable: %v", err))
	}

	if len(history) < minSamples {
		if err := s.history.Append(ctx, agentID, rec); err != nil {
			logging.L(ctx).Warn("anomaly history write failed", "agent_id", agentID, "error", err)
		}
		return Neutral(len(history),
			fmt.Sprintf("insufficient history (%d/%d samples)", len(history), minSamples))
	}

	mean, std := amountStats(history)
	rec.ZScore = (rec.AmountLog - mean) / std

	if err := s.history.Append(ctx, agentID, rec); err != nil {
		logging.L(ctx).Warn("anomaly history write failed", "agent_id", agentID, "error", err)
	}

	m := s.modelFor(agentID, history)

	// Distance is the worst normalized deviation from the trained
	// profile, squashed into [0,1). The z-score feature participates
	// directly since it is already in deviation units.
	dist := math.Abs(rec.ZScore)
	vec := [3]float64{rec.AmountLog, rec.Hour, rec.Weekday}
	for i, v := range vec {
		d := math.Abs(v-m.means[i]) / m.stddevs[i]
		if d > dist {
			dist = d
		}
	}
	risk := dist / (dist + 3.0)

	return Score{
		Risk:      risk,
		Anomalous: risk > riskThreshold,
		Trained:   true,
		Samples:   len(history),
	}
}

// modelFor returns the cached model for an agent, refitting once enough
// new samples have accumulated.
func (s *Scorer) modelFor(agentID string, history []featureRecord) *model {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.models[agentID]
	if ok {
		m.sinceTrain++
		if m.sinceTrain < retrainEvery {
			return m
		}
	}

	m = fit(history)
	s.models[agentID] = m
	return m
}

// fit computes per-feature means and deviations over history. Deviations
// are floored so a perfectly regular history cannot cause a division
// blowup.
func fit(history []featureRecord) *model {
	m := &model{trainedAt: len(history)}
	n := float64(len(history))

	var sums [3]float64
	for _, h := range history {
		sums[0] += h.AmountLog
		sums[1] += h.Hour
		sums[2] += h.Weekday
	}
	for j := range m.means {
		m.means[j] = sums[j] / n
	}

	var sq [3]float64
	for _, h := range history {
		row := [3]float64{h.AmountLog, h.Hour, h.Weekday}
		for j, v := range row {
			d := v - m.means[j]
			sq[j] += d * d
		}
	}
	floors := [3]float64{0.25, 3.0, 2.0}
	for j := range m.stddevs {
		m.stddevs[j] = math.Max(math.Sqrt(sq[j]/n), floors[j])
	}
	return m
}

// amountStats returns the mean and deviation of log-amounts. The
// deviation is floored at a quarter of a decade so near-constant
// histories yield tame z-scores.
func amountStats(history []featureRecord) (mean, std float64) {
	n := float64(len(history))
	for _, h := range history {
		mean += h.AmountLog
	}
	mean /= n

	var sq float64
	for _, h := range history {
		d := h.AmountLog - mean
		sq += d * d
	}
	std = math.Max(math.Sqrt(sq/n), 0.25)
	return mean, std
}
