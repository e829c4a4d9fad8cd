// Package discovery finds the loans and members that belong to an address
// on ledgers that may not expose an enumeration call.
//
// Strategies are tried in a fixed order. A strategy is skipped past only when
// it errors; an empty answer from a working strategy is final. Whatever ids
// a failing strategy managed to collect before it failed are kept, so the
// result is the ordered union of every partial answer.
package discovery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loansync/loansync/internal/ledger"
)

const (
	DefaultLogWindowBlocks = 5000
	DefaultGuessRange      = 16
	DefaultScanLimit       = 1000
)

type Config struct {
	LogWindowBlocks uint64
	GuessRange      uint64
	ScanLimit       uint64
}

func (c *Config) setDefaults() {
	if c.LogWindowBlocks == 0 {
		c.LogWindowBlocks = DefaultLogWindowBlocks
	}
	if c.GuessRange == 0 {
		c.GuessRange = DefaultGuessRange
	}
	if c.ScanLimit == 0 {
		c.ScanLimit = DefaultScanLimit
	}
}

// LogSource serves historical ledger events. The gateway itself is one; an
// external indexer is another.
type LogSource interface {
	Logs(ctx context.Context, filter ledger.LogFilter) ([]ledger.Event, error)
}

// Strategy returns the ids it could find for owner. On error the returned ids,
// if any, are a partial result.
type Strategy interface {
	Name() string
	Discover(ctx context.Context, owner ledger.Address) ([]ledger.LoanID, error)
}

type Service struct {
	gw         *ledger.Gateway
	logs       LogSource
	cfg        Config
	log        *logrus.Logger
	metrics    *Metrics
	strategies []Strategy
}

type Option func(*Service)

// WithLogSource replays events from src instead of the gateway.
func WithLogSource(src LogSource) Option {
	return func(s *Service) { s.logs = src }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithStrategies replaces the default chain.
func WithStrategies(strategies ...Strategy) Option {
	return func(s *Service) { s.strategies = strategies }
}

func NewService(gw *ledger.Gateway, cfg Config, log *logrus.Logger, opts ...Option) *Service {
	cfg.setDefaults()
	s := &Service{
		gw:      gw,
		logs:    gw,
		cfg:     cfg,
		log:     log,
		metrics: NopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.strategies == nil {
		s.strategies = DefaultStrategies(gw, s.logs, cfg)
	}
	return s
}

// DefaultStrategies is the chain from cheapest and most reliable to the
// best-effort guess.
func DefaultStrategies(gw *ledger.Gateway, logs LogSource, cfg Config) []Strategy {
	cfg.setDefaults()
	return []Strategy{
		&DirectStrategy{gw: gw},
		&IndexedStrategy{gw: gw},
		&ScanStrategy{gw: gw, limit: cfg.ScanLimit},
		&LogReplayStrategy{gw: gw, logs: logs, window: cfg.LogWindowBlocks},
		&GuessStrategy{gw: gw, span: cfg.GuessRange},
	}
}

// idSet is an insertion-ordered set.
type idSet struct {
	ids  []ledger.LoanID
	seen map[ledger.LoanID]bool
}

func newIDSet() *idSet {
	return &idSet{seen: make(map[ledger.LoanID]bool)}
}

func (s *idSet) add(ids ...ledger.LoanID) {
	for _, id := range ids {
		if id == "" || s.seen[id] {
			continue
		}
		s.seen[id] = true
		s.ids = append(s.ids, id)
	}
}

// DiscoverLoanIDs runs the strategy chain once for owner.
func (s *Service) DiscoverLoanIDs(ctx context.Context, owner ledger.Address) ([]ledger.LoanID, error) {
	start := time.Now()
	defer func() {
		s.metrics.DurationSeconds.Observe(time.Since(start).Seconds())
	}()

	owner = ledger.NormalizeAddress(string(owner))
	found := newIDSet()
	var lastErr error

	for _, strategy := range s.strategies {
		logger := s.log.WithFields(logrus.Fields{
			"address":  owner,
			"strategy": strategy.Name(),
		})

		ids, err := strategy.Discover(ctx, owner)
		found.add(ids...)

		if err == nil {
			s.metrics.Attempts.With("strategy", strategy.Name(), "outcome", "ok").Add(1)
			s.metrics.LoanIDs.Set(float64(len(found.ids)))
			logger.WithField("count", len(found.ids)).Debug("discovery complete")
			return found.ids, nil
		}

		lastErr = err
		outcome := "error"
		if ledger.IsKind(err, ledger.KindUnsupported) {
			outcome = "unsupported"
		}
		s.metrics.Attempts.With("strategy", strategy.Name(), "outcome", outcome).Add(1)
		logger.WithError(err).WithField("partial", len(ids)).Debug("discovery strategy failed, falling back")

		if ctxErr := ctx.Err(); ctxErr != nil {
			return found.ids, ledger.Decode("discover", ctxErr)
		}
	}

	if len(found.ids) > 0 {
		s.log.WithFields(logrus.Fields{
			"address": owner,
			"count":   len(found.ids),
		}).Warn("every discovery strategy failed, returning partial results")
		s.metrics.LoanIDs.Set(float64(len(found.ids)))
		return found.ids, nil
	}

	s.metrics.Exhausted.Add(1)
	reason := "no discovery strategy configured"
	if lastErr != nil {
		reason = ledger.ReasonOf(lastErr)
	}
	return nil, &ledger.Error{
		Kind:   ledger.KindDiscoveryExhausted,
		Op:     "discover " + string(owner),
		Reason: reason,
		Err:    lastErr,
	}
}

// DiscoverLoans resolves the discovered ids to loan records, dropping empty
// slots the ledger reports for ids it does not know.
func (s *Service) DiscoverLoans(ctx context.Context, owner ledger.Address) ([]*ledger.Loan, error) {
	ids, err := s.DiscoverLoanIDs(ctx, owner)
	if err != nil {
		return nil, err
	}
	loans, err := s.gw.Loans(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*ledger.Loan, 0, len(loans))
	for _, loan := range loans {
		if loan.Exists() {
			out = append(out, loan)
		}
	}
	return out, nil
}
