// Package session wires the sync components together for one tracked account
// at a time. Switching the account starts a new epoch; work that was started
// for the previous account finishes but its results are discarded.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loansync/loansync/internal/creditscore"
	"github.com/loansync/loansync/internal/discovery"
	"github.com/loansync/loansync/internal/ledger"
	"github.com/loansync/loansync/internal/quorum"
	"github.com/loansync/loansync/internal/reconcile"
	"github.com/loansync/loansync/internal/state"
	"github.com/loansync/loansync/internal/storage"
	"github.com/loansync/loansync/internal/write"
)

// ErrSuperseded is returned when the account was switched while a refresh
// for the previous account was still running.
var ErrSuperseded = errors.New("session switched to another account")

type Config struct {
	Discovery discovery.Config
	// MaxAge marks cached lists stale once older than this. Zero disables.
	MaxAge time.Duration
	// Subscribe attaches push-event listeners on every switch.
	Subscribe bool
	// PollSchedule enables scheduled reconciliation when non-empty.
	PollSchedule string
}

type Session struct {
	gw    *ledger.Gateway
	state *state.State
	cache *storage.Storage
	log   *logrus.Logger
	cfg   Config

	discovery  *discovery.Service
	quorum     *quorum.Tracker
	scores     *creditscore.Sync
	writer     *write.Coordinator
	reconciler *reconcile.Reconciler
	poller     *reconcile.Poller

	ctx    context.Context
	cancel context.CancelFunc

	// serializes the synchronous part of Switch
	mu       sync.Mutex
	cachedAt time.Time
}

type options struct {
	cache     *storage.Storage
	notifier  reconcile.Notifier
	sink      reconcile.EventSink
	logSource discovery.LogSource
	metrics   *Metrics
	backoff   []time.Duration
}

type Option func(*options)

func WithCache(cache *storage.Storage) Option {
	return func(o *options) { o.cache = cache }
}

func WithNotifier(n reconcile.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithIndexer makes the indexer both the log source for discovery and the
// sink for reconciled events.
func WithIndexer(idx interface {
	discovery.LogSource
	reconcile.EventSink
}) Option {
	return func(o *options) {
		o.logSource = idx
		o.sink = idx
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithBackoff(base, limit time.Duration) Option {
	return func(o *options) { o.backoff = []time.Duration{base, limit} }
}

// New builds a session with no tracked account. ctx bounds the lifetime of
// event subscriptions and the poller.
func New(ctx context.Context, gw *ledger.Gateway, cfg Config, log *logrus.Logger, opts ...Option) (*Session, error) {
	o := options{metrics: NopMetrics()}
	for _, opt := range opts {
		opt(&o)
	}

	st := state.New()
	tracker := quorum.NewTracker(gw, log)
	scores := creditscore.NewSync(gw, log)

	discoveryOpts := []discovery.Option{discovery.WithMetrics(o.metrics.Discovery)}
	if o.logSource != nil {
		discoveryOpts = append(discoveryOpts, discovery.WithLogSource(o.logSource))
	}

	reconcileOpts := []reconcile.Option{reconcile.WithMetrics(o.metrics.Reconcile)}
	if o.cache != nil {
		reconcileOpts = append(reconcileOpts, reconcile.WithCache(o.cache))
	}
	if o.notifier != nil {
		reconcileOpts = append(reconcileOpts, reconcile.WithNotifier(o.notifier))
	}
	if o.sink != nil {
		reconcileOpts = append(reconcileOpts, reconcile.WithSink(o.sink))
	}
	if o.backoff != nil {
		reconcileOpts = append(reconcileOpts, reconcile.WithBackoff(o.backoff[0], o.backoff[1]))
	}

	s := &Session{
		gw:         gw,
		state:      st,
		cache:      o.cache,
		log:        log,
		cfg:        cfg,
		discovery:  discovery.NewService(gw, cfg.Discovery, log, discoveryOpts...),
		quorum:     tracker,
		scores:     scores,
		writer:     write.NewCoordinator(gw, tracker, log, write.WithState(st), write.WithMetrics(o.metrics.Write)),
		reconciler: reconcile.NewReconciler(gw, st, scores, log, reconcileOpts...),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.writer.OnConfirmed(s.onConfirmed)

	if cfg.PollSchedule != "" {
		poller, err := reconcile.NewPoller(s.reconciler, st, cfg.PollSchedule, log,
			reconcile.WithDiscovery(s.refresh))
		if err != nil {
			s.cancel()
			return nil, err
		}
		s.poller = poller
		s.poller.Start(s.ctx)
	}
	return s, nil
}

func (s *Session) Gateway() *ledger.Gateway { return s.gw }
func (s *Session) State() *state.State { return s.state }
func (s *Session) Discovery() *discovery.Service { return s.discovery }
func (s *Session) Quorum() *quorum.Tracker { return s.quorum }
func (s *Session) Scores() *creditscore.Sync { return s.scores }
func (s *Session) Writer() *write.Coordinator { return s.writer }
func (s *Session) Reconciler() *reconcile.Reconciler { return s.reconciler }
func (s *Session) Address() ledger.Address { return s.state.Address() }
func (s *Session) Epoch() uint64 { return s.state.Epoch() }

// Switch makes addr the tracked account. Listeners for the previous account
// are removed before new ones are attached, cached lists are shown right
// away and live discovery then replaces them.
func (s *Session) Switch(ctx context.Context, addr ledger.Address) (uint64, error) {
	addr = ledger.NormalizeAddress(string(addr))
	if !ledger.IsAddress(string(addr)) {
		return 0, ledger.NewError(ledger.KindPreflightRejected, "switch", "invalid address "+string(addr))
	}

	s.mu.Lock()
	s.reconciler.UnsubscribeAll()
	epoch := s.state.Switch(addr)
	s.quorum.Forget()
	s.writer.SetSender(addr)
	s.cachedAt = time.Time{}
	s.readThrough(epoch, addr)

	if s.cfg.Subscribe {
		if _, err := s.reconciler.SubscribeAll(s.ctx, addr); err != nil {
			s.log.WithError(err).WithField("address", addr).Warn("push events unavailable, relying on polling")
		}
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"address": addr, "epoch": epoch}).Info("switched account")
	return epoch, s.refresh(ctx, epoch, addr)
}

func (s *Session) readThrough(epoch uint64, addr ledger.Address) {
	if s.cache == nil {
		return
	}

	snap, ok, err := s.cache.Get(storage.NewKey(storage.EntityLoans, string(addr)))
	if err != nil {
		s.log.WithError(err).Warn("failed to read loan cache")
	}
	if ok {
		ids := make([]ledger.LoanID, len(snap.IDs))
		for i, id := range snap.IDs {
			ids[i] = ledger.LoanID(id)
		}
		if s.state.SetLoanIDs(epoch, ids) {
			s.cachedAt = snap.CapturedAt
		}
	}

	members, ok, err := s.cache.Get(storage.NewKey(storage.EntityMembers, s.gw.Contracts().MemberContract()))
	if err != nil {
		s.log.WithError(err).Warn("failed to read member cache")
	}
	if ok {
		for _, m := range members.IDs {
			s.state.AddMember(epoch, ledger.Address(m))
		}
	}
}

// Refresh re-runs live discovery for the current account.
func (s *Session) Refresh(ctx context.Context) error {
	epoch := s.state.Epoch()
	addr := s.state.Address()
	if addr == "" {
		return nil
	}
	return s.refresh(ctx, epoch, addr)
}

func (s *Session) refresh(ctx context.Context, epoch uint64, addr ledger.Address) error {
	logger := s.log.WithFields(logrus.Fields{"address": addr, "epoch": epoch})

	loans, err := s.discovery.DiscoverLoans(ctx, addr)
	if !s.state.Current(epoch) {
		logger.Info("discarding discovery results for a previous account")
		return ErrSuperseded
	}
	if err != nil {
		if ledger.IsKind(err, ledger.KindDiscoveryExhausted) {
			logger.Warn("no discovery strategy succeeded, showing cached state")
		}
		return err
	}

	ids := make([]ledger.LoanID, len(loans))
	for i, loan := range loans {
		ids[i] = loan.ID
	}
	if !s.state.SetLoanIDs(epoch, ids) {
		return ErrSuperseded
	}
	for _, loan := range loans {
		s.state.MergeLoan(epoch, loan)
	}
	s.persistLoans(epoch, addr, ids)

	if _, err := s.reconciler.ReconcileScore(ctx, epoch); err != nil {
		logger.WithError(err).Warn("failed to refresh credit score")
	}
	if err := s.refreshMembers(ctx, epoch); err != nil {
		logger.WithError(err).Warn("failed to refresh members")
	}

	if !s.state.Current(epoch) {
		return ErrSuperseded
	}
	logger.WithField("loans", len(ids)).Info("account refreshed")
	return nil
}

func (s *Session) persistLoans(epoch uint64, addr ledger.Address, ids []ledger.LoanID) {
	if s.cache == nil {
		return
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	snap, err := s.cache.Put(storage.NewKey(storage.EntityLoans, string(addr)), raw)
	if err != nil {
		s.log.WithError(err).Warn("failed to cache loan ids")
		return
	}

	s.mu.Lock()
	if s.state.Current(epoch) {
		s.cachedAt = snap.CapturedAt
	}
	s.mu.Unlock()
}

func (s *Session) refreshMembers(ctx context.Context, epoch uint64) error {
	members, err := s.discovery.DiscoverMembers(ctx, s.state.ConfirmedMembers()...)
	for _, m := range members {
		s.state.AddMember(epoch, m)
	}
	if err != nil {
		return err
	}
	if s.cache == nil || !s.state.Current(epoch) {
		return nil
	}

	raw := make([]string, len(members))
	for i, m := range members {
		raw[i] = string(m)
	}
	_, err = s.cache.Put(storage.NewKey(storage.EntityMembers, s.gw.Contracts().MemberContract()), raw)
	return err
}

// onConfirmed re-reads whatever a confirmed write touched, so the committed
// optimistic change is superseded by ledger state.
func (s *Session) onConfirmed(ctx context.Context, res *write.TransactionResult, p write.Params) {
	if !s.state.Current(res.Epoch) {
		return
	}

	var err error
	switch res.Operation {
	case ledger.MethodRequestLoan:
		err = s.Refresh(ctx)
	case ledger.MethodVoteOnLoan, ledger.MethodRejectLoan:
		_, err = s.quorum.Refresh(ctx, res.LoanID)
	case ledger.MethodDisburseLoan:
		_, err = s.reconciler.ReconcileLoan(ctx, res.Epoch, res.LoanID)
	case ledger.MethodRepayLoan:
		if _, err = s.reconciler.ReconcileLoan(ctx, res.Epoch, res.LoanID); err == nil {
			_, err = s.reconciler.ReconcileScore(ctx, res.Epoch)
		}
	case ledger.MethodAddMember:
		err = s.reconciler.ReconcileMember(ctx, res.Epoch, p.Member)
	case ledger.MethodInitializeCreditScore:
		_, err = s.reconciler.ReconcileScore(ctx, res.Epoch)
	}
	if err != nil && !errors.Is(err, ErrSuperseded) {
		s.log.WithError(err).WithFields(logrus.Fields{
			"operation": res.Operation,
			"tx_hash":   res.TxHash,
		}).Warn("failed to re-read state after confirmation")
	}
}

// View is a point-in-time copy of what the session knows. LoanIDs can run
// ahead of Loans: ids restored from the cache are listed before their records
// have been read back from the ledger.
type View struct {
	Address     ledger.Address            `json:"address"`
	Epoch       uint64                    `json:"epoch"`
	LoanIDs     []ledger.LoanID           `json:"loan_ids"`
	Loans       []*ledger.Loan            `json:"loans"`
	ActiveLoans []*ledger.Loan            `json:"active_loans"`
	Score       *ledger.CreditScoreRecord `json:"score,omitempty"`
	ScoreBand   creditscore.Band          `json:"score_band"`
	Members     []state.MemberView        `json:"members"`
	CapturedAt  time.Time                 `json:"captured_at"`
	Stale       bool                      `json:"stale"`
}

func (s *Session) View() View {
	s.mu.Lock()
	cachedAt := s.cachedAt
	s.mu.Unlock()

	v := View{
		Address:     s.state.Address(),
		Epoch:       s.state.Epoch(),
		LoanIDs:     s.state.LoanIDs(),
		Loans:       s.state.Loans(),
		ActiveLoans: s.state.ActiveLoans(),
		Members:     s.state.Members(),
		CapturedAt:  cachedAt,
		ScoreBand:   creditscore.BandNone,
	}
	if rec, ok := s.state.Score(); ok {
		v.Score = &rec
		v.ScoreBand = creditscore.BandOf(rec)
	}
	v.Stale = cachedAt.IsZero() || (s.cfg.MaxAge > 0 && time.Since(cachedAt) > s.cfg.MaxAge)
	return v
}

// Teardown removes all listeners, stops polling and forgets the account.
func (s *Session) Teardown() {
	s.cancel()
	if s.poller != nil {
		s.poller.Stop()
	}
	s.reconciler.UnsubscribeAll()
	s.state.Switch("")
	s.writer.SetSender("")
	s.quorum.Forget()
}
