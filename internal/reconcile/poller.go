package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/loansync/loansync/internal/ledger"
	"github.com/loansync/loansync/internal/state"
)

const DefaultPollSchedule = "@every 30s"

// DiscoverFunc re-runs discovery for addr and merges what it finds.
type DiscoverFunc func(ctx context.Context, epoch uint64, addr ledger.Address) error

// Poller runs a reconciliation pass on a cron schedule, covering events that
// were never delivered. With a DiscoverFunc each pass also picks up loans
// created elsewhere; without one, or when discovery fails, it re-reads the
// loans already known.
type Poller struct {
	reconciler *Reconciler
	state      *state.State
	log        *logrus.Logger
	cron       *cron.Cron
	discover   DiscoverFunc

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

type PollerOption func(*Poller)

func WithDiscovery(fn DiscoverFunc) PollerOption {
	return func(p *Poller) { p.discover = fn }
}

func NewPoller(r *Reconciler, st *state.State, schedule string, log *logrus.Logger, opts ...PollerOption) (*Poller, error) {
	if schedule == "" {
		schedule = DefaultPollSchedule
	}

	p := &Poller{
		reconciler: r,
		state:      st,
		log:        log,
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	for _, opt := range opts {
		opt(p)
	}
	if _, err := p.cron.AddFunc(schedule, p.tick); err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", schedule, err)
	}
	return p, nil
}

func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()
	p.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	<-p.cron.Stop().Done()
}

func (p *Poller) tick() {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := p.Poll(ctx); err != nil {
		p.log.WithError(err).Warn("scheduled reconciliation failed")
	}
}

// Poll runs one reconciliation pass for the current session.
func (p *Poller) Poll(ctx context.Context) error {
	epoch := p.state.Epoch()
	addr := p.state.Address()
	if addr == "" {
		return nil
	}

	err := p.pass(ctx, epoch, addr)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.reconciler.metrics.Polls.With("outcome", outcome).Add(1)
	return err
}

func (p *Poller) pass(ctx context.Context, epoch uint64, addr ledger.Address) error {
	if p.discover != nil {
		err := p.discover(ctx, epoch, addr)
		if err == nil || !p.state.Current(epoch) {
			return nil
		}
		p.log.WithError(err).WithField("address", addr).Debug("scheduled discovery failed, re-reading known loans")
	}
	return p.reconciler.ReconcileAll(ctx, epoch)
}
