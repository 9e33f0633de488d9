package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/store"
)

// ErrClosed is returned by Check after Close.
var ErrClosed = errors.New("budget gateway closed")

const dayLayout = "2006-01-02"

// Request describes one outbound call about to be made.
type Request struct {
	RunID   string `json:"run_id"`
	Feature string `json:"feature,omitempty"`
	Tokens  int    `json:"tokens"`
}

// Usage is the counter state a receipt was issued against, including the
// call it describes when that call was allowed.
type Usage struct {
	RunCalls  int `json:"run_calls"`
	RunTokens int `json:"run_tokens"`
	DayCalls  int `json:"day_calls"`
	DayTokens int `json:"day_tokens"`
}

// Receipt is the evidence of one budget decision. ReceiptID is the content
// hash of every other field.
type Receipt struct {
	ReceiptID string    `json:"receipt_id"`
	RunID     string    `json:"run_id"`
	Feature   string    `json:"feature,omitempty"`
	Tokens    int       `json:"tokens"`
	Allowed   bool      `json:"allowed"`
	Reason    Reason    `json:"reason"`
	Day       string    `json:"day"`
	Usage     Usage     `json:"usage"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Decision is the answer to a Check.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Reason  Reason  `json:"reason"`
	Receipt Receipt `json:"receipt"`
}

// Clock supplies the time a decision is made at.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type runUsage struct {
	calls  int
	tokens int
}

// Gateway enforces a Policy.
// Thread-safety: Gateway is safe for concurrent use; Check holds one mutex
// for its whole check-and-record.
type Gateway struct {
	policy   Policy
	clock    Clock
	receipts *store.Log
	logger   *slog.Logger

	mu        sync.Mutex
	closed    bool
	runs      map[string]runUsage
	day       string
	dayCalls  int
	dayTokens int
	lastCall  time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock sets the clock. Defaults to the UTC wall clock.
func WithClock(c Clock) Option {
	return func(g *Gateway) {
		g.clock = c
	}
}

// WithReceiptLog appends every receipt to lg.
func WithReceiptLog(lg *store.Log) Option {
	return func(g *Gateway) {
		g.receipts = lg
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// NewGateway returns a gateway enforcing policy.
func NewGateway(policy Policy, opts ...Option) (*Gateway, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	g := &Gateway{
		policy: policy,
		clock:  systemClock{},
		logger: slog.Default(),
		runs:   make(map[string]runUsage),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Check decides whether req may proceed and, if so, records it against the
// counters. Denials leave the counters untouched. When a receipt log is
// configured the receipt is appended before the counters change; if that
// write fails Check returns the error and nothing is recorded.
func (g *Gateway) Check(ctx context.Context, req Request) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return Decision{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if req.RunID == "" {
		return Decision{}, fmt.Errorf("budget check: run_id required")
	}
	if req.Tokens < 0 {
		return Decision{}, fmt.Errorf("budget check: tokens must be >= 0")
	}

	now := g.clock.Now().UTC()
	day := now.Format(dayLayout)
	dayCalls, dayTokens := g.dayCalls, g.dayTokens
	if day != g.day {
		dayCalls, dayTokens = 0, 0
	}
	run := g.runs[req.RunID]

	reason := g.decide(req, run, dayCalls, dayTokens, now)
	allowed := reason == ReasonOK
	usage := Usage{RunCalls: run.calls, RunTokens: run.tokens, DayCalls: dayCalls, DayTokens: dayTokens}
	if allowed {
		usage.RunCalls++
		usage.RunTokens += req.Tokens
		usage.DayCalls++
		usage.DayTokens += req.Tokens
	}

	receipt := Receipt{
		RunID:    req.RunID,
		Feature:  req.Feature,
		Tokens:   req.Tokens,
		Allowed:  allowed,
		Reason:   reason,
		Day:      day,
		Usage:    usage,
		IssuedAt: now,
	}
	id, err := ir.ContentHash(ir.DomainReceipt, receipt)
	if err != nil {
		return Decision{}, fmt.Errorf("budget check: %w", err)
	}
	receipt.ReceiptID = id

	if g.receipts != nil {
		if err := g.receipts.Append(receipt); err != nil {
			return Decision{}, fmt.Errorf("budget check: record receipt: %w", err)
		}
	}

	if day != g.day {
		g.day, g.dayCalls, g.dayTokens = day, 0, 0
	}
	if allowed {
		g.runs[req.RunID] = runUsage{calls: usage.RunCalls, tokens: usage.RunTokens}
		g.dayCalls, g.dayTokens = usage.DayCalls, usage.DayTokens
		g.lastCall = now
	} else {
		g.logger.Debug("budget denied", "run_id", req.RunID, "feature", req.Feature, "reason", reason)
	}
	return Decision{Allowed: allowed, Reason: reason, Receipt: receipt}, nil
}

func (g *Gateway) decide(req Request, run runUsage, dayCalls, dayTokens int, now time.Time) Reason {
	p := g.policy
	switch {
	case p.featureDisabled(req.Feature):
		return ReasonFeatureDisabled
	case exceeds(p.MaxCallsPerRun, run.calls, 1):
		return ReasonMaxCallsPerRun
	case exceeds(p.MaxTokensPerRun, run.tokens, req.Tokens):
		return ReasonMaxTokensPerRun
	case exceeds(p.MaxCallsPerDay, dayCalls, 1):
		return ReasonMaxCallsPerDay
	case exceeds(p.MaxTokensPerDay, dayTokens, req.Tokens):
		return ReasonMaxTokensPerDay
	case p.MinInterval > 0 && !g.lastCall.IsZero() && now.Sub(g.lastCall) < p.MinInterval:
		return ReasonMinInterval
	}
	return ReasonOK
}

// Restore rebuilds the counters from the receipt log, so a new process keeps
// enforcing the limits an earlier one recorded. Each allowed receipt carries
// the counters after its call; the last one per run and overall wins. Denied
// receipts are skipped. Without a receipt log Restore does nothing.
func (g *Gateway) Restore(ctx context.Context) error {
	if g.receipts == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	err := store.ScanRecords(ctx, g.receipts, func(r Receipt) error {
		if !r.Allowed {
			return nil
		}
		g.runs[r.RunID] = runUsage{calls: r.Usage.RunCalls, tokens: r.Usage.RunTokens}
		g.day, g.dayCalls, g.dayTokens = r.Day, r.Usage.DayCalls, r.Usage.DayTokens
		g.lastCall = r.IssuedAt
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore budget: %w", err)
	}
	g.logger.Debug("budget restored", "allowed_receipts", n, "runs", len(g.runs), "day", g.day)
	return nil
}

// Usage returns the current counters for a run.
func (g *Gateway) Usage(runID string) Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.runs[runID]
	return Usage{RunCalls: r.calls, RunTokens: r.tokens, DayCalls: g.dayCalls, DayTokens: g.dayTokens}
}

// EndRun forgets the counters of a finished run.
func (g *Gateway) EndRun(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runs, runID)
}

// Close makes every later Check fail with ErrClosed.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// VerifyReceipt reports whether r's ReceiptID matches its content.
func VerifyReceipt(r Receipt) (bool, error) {
	id := r.ReceiptID
	r.ReceiptID = ""
	want, err := ir.ContentHash(ir.DomainReceipt, r)
	if err != nil {
		return false, err
	}
	return want == id, nil
}
