// Package reconcile folds confirmed ledger facts into the local view. Push
// events and the scheduled poll both end up in the same Reconcile* calls,
// which always re-read the entity from the ledger since events carry ids only.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/loansync/loansync/internal/creditscore"
	"github.com/loansync/loansync/internal/ledger"
	"github.com/loansync/loansync/internal/state"
	"github.com/loansync/loansync/internal/storage"
)

const lastBlockKey = "reconcile.last_block"

var errStreamClosed = errors.New("event stream closed")

// Notifier receives notifications about confirmed changes. *alert.Manager
// implements it.
type Notifier interface {
	SendRepaymentAlert(loanID, borrower, amount, txHash string) error
	SendScoreUpdatedAlert(address string, score int, band string) error
	SendSystemAlert(title, message, severity string) error
}

// EventSink receives every event before it is reconciled.
type EventSink interface {
	Index(ctx context.Context, ev ledger.Event) error
}

type SubscriptionState int

const (
	Inactive SubscriptionState = iota
	Active
)

func (s SubscriptionState) String() string {
	if s == Active {
		return "active"
	}
	return "inactive"
}

type SubscriptionInfo struct {
	ID       string            `json:"id"`
	Contract string            `json:"contract"`
	Address  ledger.Address    `json:"address"`
	State    SubscriptionState `json:"state"`
}

type subscription struct {
	id       string
	contract string
	address  ledger.Address
	epoch    uint64
	state    atomic.Int32

	// owned by the run loop once started
	stream ledger.Subscription

	stopCh chan struct{}
	done   chan struct{}
}

type Reconciler struct {
	gw      *ledger.Gateway
	state   *state.State
	scores  *creditscore.Sync
	cache   *storage.Storage
	alerts  Notifier
	sink    EventSink
	log     *logrus.Logger
	metrics *Metrics

	types       []ledger.EventType
	backoffBase time.Duration
	maxBackoff  time.Duration

	mu      sync.Mutex
	address ledger.Address
	subs    map[string]*subscription
	wg      sync.WaitGroup

	lastBlock atomic.Uint64
}

type Option func(*Reconciler)

func WithCache(cache *storage.Storage) Option {
	return func(r *Reconciler) { r.cache = cache }
}

func WithNotifier(n Notifier) Option {
	return func(r *Reconciler) { r.alerts = n }
}

func WithSink(sink EventSink) Option {
	return func(r *Reconciler) { r.sink = sink }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithBackoff sets the resubscribe delay: base * 2^attempt, capped at limit.
func WithBackoff(base, limit time.Duration) Option {
	return func(r *Reconciler) {
		r.backoffBase = base
		r.maxBackoff = limit
	}
}

func NewReconciler(gw *ledger.Gateway, st *state.State, scores *creditscore.Sync, log *logrus.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		gw:      gw,
		state:   st,
		scores:  scores,
		log:     log,
		metrics: NopMetrics(),
		types: []ledger.EventType{
			ledger.EventLoanRequested,
			ledger.EventLoanRepaid,
			ledger.EventCreditScoreUpdated,
			ledger.EventMemberAdded,
		},
		backoffBase: time.Second,
		maxBackoff:  30 * time.Second,
		subs:        make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe attaches a listener for contract on behalf of address. If the
// reconciler is currently listening for a different address, those listeners
// are removed first.
func (r *Reconciler) Subscribe(ctx context.Context, contract string, address ledger.Address) (string, error) {
	address = ledger.NormalizeAddress(string(address))

	r.mu.Lock()
	previous := r.address
	r.mu.Unlock()
	if previous != "" && previous != address {
		r.UnsubscribeAll()
	}

	stream, err := r.gw.Subscribe(ctx, contract, r.types)
	if err != nil {
		return "", err
	}

	s := &subscription{
		id:       uuid.NewString(),
		contract: contract,
		address:  address,
		epoch:    r.state.Epoch(),
		stream:   stream,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.state.Store(int32(Active))

	r.mu.Lock()
	r.address = address
	r.subs[s.id] = s
	r.metrics.Subscriptions.Set(float64(len(r.subs)))
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx, s)

	r.log.WithFields(logrus.Fields{
		"subscription": s.id,
		"contract":     contract,
		"address":      address,
		"epoch":        s.epoch,
	}).Info("subscribed to ledger events")
	return s.id, nil
}

// SubscribeAll subscribes to every distinct contract the tracked events are
// emitted from.
func (r *Reconciler) SubscribeAll(ctx context.Context, address ledger.Address) ([]string, error) {
	contracts := r.gw.Contracts()
	seen := make(map[string]bool)
	var ids []string
	for _, contract := range []string{contracts.Loan, contracts.ScoreContract(), contracts.MemberContract()} {
		if contract == "" || seen[contract] {
			continue
		}
		seen[contract] = true
		id, err := r.Subscribe(ctx, contract, address)
		if err != nil {
			return ids, fmt.Errorf("failed to subscribe to %s: %w", contract, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Reconciler) Unsubscribe(id string) {
	r.mu.Lock()
	s, ok := r.subs[id]
	delete(r.subs, id)
	r.metrics.Subscriptions.Set(float64(len(r.subs)))
	r.mu.Unlock()

	if ok {
		r.stop(s)
	}
}

// UnsubscribeAll removes every listener and waits for their loops to exit.
func (r *Reconciler) UnsubscribeAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*subscription)
	r.address = ""
	r.metrics.Subscriptions.Set(0)
	r.mu.Unlock()

	for _, s := range subs {
		r.stop(s)
	}
	r.wg.Wait()
}

func (r *Reconciler) stop(s *subscription) {
	close(s.stopCh)
	<-s.done
	r.log.WithField("subscription", s.id).Debug("unsubscribed")
}

func (r *Reconciler) Subscriptions() []SubscriptionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]SubscriptionInfo, 0, len(r.subs))
	for _, s := range r.subs {
		infos = append(infos, SubscriptionInfo{
			ID:       s.id,
			Contract: s.contract,
			Address:  s.address,
			State:    SubscriptionState(s.state.Load()),
		})
	}
	return infos
}

func (r *Reconciler) run(ctx context.Context, s *subscription) {
	defer r.wg.Done()
	defer close(s.done)
	defer func() {
		s.state.Store(int32(Inactive))
		if s.stream != nil {
			s.stream.Unsubscribe()
		}
	}()

	for {
		var lost error
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-s.stream.Events():
			if ok {
				if err := r.HandleEvent(ctx, s.epoch, ev); err != nil {
					r.log.WithError(err).WithFields(logrus.Fields{
						"event":   ev.Type,
						"loan_id": ev.LoanID,
					}).Warn("failed to reconcile event")
				}
				continue
			}
			lost = errStreamClosed
		case err := <-s.stream.Err():
			lost = err
		}

		s.stream.Unsubscribe()
		s.stream = nil
		if !r.resubscribe(ctx, s, lost) {
			return
		}
	}
}

func (r *Reconciler) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * r.backoffBase
	if d > r.maxBackoff {
		d = r.maxBackoff
	}
	return d
}

// resubscribe retries with exponential backoff until the stream is back or
// the subscription is stopped. Events missed in between are caught up by a
// full reconciliation.
func (r *Reconciler) resubscribe(ctx context.Context, s *subscription, cause error) bool {
	errorCount := 0
	for {
		errorCount++
		backoff := r.backoff(errorCount)

		r.log.WithError(cause).WithFields(logrus.Fields{
			"subscription": s.id,
			"contract":     s.contract,
			"retry_in":     backoff,
		}).Warn("event stream lost")
		if r.alerts != nil {
			_ = r.alerts.SendSystemAlert(
				"Event Stream Lost",
				fmt.Sprintf("Subscription to %s failed: %v. Retrying in %v...", s.contract, cause, backoff),
				"danger",
			)
		}

		select {
		case <-time.After(backoff):
		case <-s.stopCh:
			return false
		case <-ctx.Done():
			return false
		}

		stream, err := r.gw.Subscribe(ctx, s.contract, r.types)
		if err != nil {
			cause = err
			continue
		}
		s.stream = stream
		r.metrics.StreamRestarts.Add(1)
		r.log.WithField("subscription", s.id).Info("event stream re-established")

		if err := r.ReconcileAll(ctx, s.epoch); err != nil {
			r.log.WithError(err).Warn("catch-up reconciliation incomplete")
		}
		return true
	}
}

// HandleEvent reconciles the entity ev refers to. Events from an epoch that
// is no longer live are dropped.
func (r *Reconciler) HandleEvent(ctx context.Context, epoch uint64, ev ledger.Event) error {
	if !r.state.Current(epoch) {
		r.metrics.Events.With("type", string(ev.Type), "outcome", "stale").Add(1)
		return nil
	}

	if r.sink != nil {
		if err := r.sink.Index(ctx, ev); err != nil {
			r.log.WithError(err).WithField("tx_hash", ev.TxHash).Warn("failed to index event")
		}
	}

	tracked := r.state.Address()
	var err error
	switch ev.Type {
	case ledger.EventLoanRequested:
		if tracked.Equal(ev.Address) {
			_, err = r.ReconcileLoan(ctx, epoch, ev.LoanID)
		}
	case ledger.EventLoanRepaid:
		err = r.onRepaid(ctx, epoch, ev)
	case ledger.EventCreditScoreUpdated:
		if tracked.Equal(ev.Address) {
			err = r.onScoreUpdated(ctx, epoch)
		}
	case ledger.EventMemberAdded:
		err = r.ReconcileMember(ctx, epoch, ev.Address)
	default:
		r.log.WithField("event", ev.Type).Debug("ignoring unknown event")
	}

	r.recordBlock(ev.BlockNumber)

	outcome := "ok"
	if err != nil {
		outcome = ledger.KindOf(err).String()
	}
	r.metrics.Events.With("type", string(ev.Type), "outcome", outcome).Add(1)
	return err
}

// onRepaid refreshes the borrower's score on every confirmed repayment of a
// tracked loan, even one an earlier read already showed as paid. Only the
// first sighting alerts.
func (r *Reconciler) onRepaid(ctx context.Context, epoch uint64, ev ledger.Event) error {
	changed, err := r.ReconcileLoan(ctx, epoch, ev.LoanID)
	if err != nil {
		return err
	}
	loan, ok := r.state.Loan(ev.LoanID)
	if !ok {
		return nil
	}

	if _, err := r.ReconcileScore(ctx, epoch); err != nil {
		return err
	}

	if changed && r.alerts != nil {
		if err := r.alerts.SendRepaymentAlert(string(loan.ID), string(loan.Borrower), ledger.FormatAmount(loan.Amount), ev.TxHash); err != nil {
			r.log.WithError(err).Warn("failed to send repayment alert")
		}
	}
	return nil
}

func (r *Reconciler) onScoreUpdated(ctx context.Context, epoch uint64) error {
	prev, hadPrev := r.state.Score()
	rec, err := r.ReconcileScore(ctx, epoch)
	if err != nil {
		return err
	}
	if hadPrev && prev == rec {
		return nil
	}
	if r.alerts != nil && rec.HasScore {
		if err := r.alerts.SendScoreUpdatedAlert(string(rec.Address), rec.Score, string(creditscore.BandOf(rec))); err != nil {
			r.log.WithError(err).Warn("failed to send score alert")
		}
	}
	return nil
}

// ReconcileLoan re-reads id and merges it if it belongs to the tracked
// address. It reports whether the local view changed.
func (r *Reconciler) ReconcileLoan(ctx context.Context, epoch uint64, id ledger.LoanID) (bool, error) {
	loan, err := r.gw.Loan(ctx, id)
	if err != nil {
		return false, err
	}

	logger := r.log.WithFields(logrus.Fields{"loan_id": id, "epoch": epoch})
	if !loan.Exists() {
		logger.Debug("event refers to an empty loan slot")
		return false, nil
	}
	if !loan.Borrower.Equal(r.state.Address()) {
		return false, nil
	}

	changed, ok := r.state.MergeLoan(epoch, loan)
	if !ok {
		logger.Debug("discarding loan read from a previous session")
		return false, nil
	}
	r.metrics.Reconciled.With("entity", storage.EntityLoans, "changed", strconv.FormatBool(changed)).Add(1)

	if changed {
		logger.WithFields(logrus.Fields{
			"approved": loan.IsApproved,
			"paid":     loan.IsPaid,
			"votes":    loan.VoteCount,
		}).Info("loan reconciled")
		if err := r.persistLoans(epoch); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// ReconcileScore re-reads the tracked address's credit score.
func (r *Reconciler) ReconcileScore(ctx context.Context, epoch uint64) (ledger.CreditScoreRecord, error) {
	rec, err := r.scores.Refresh(ctx, r.state.Address())
	if err != nil {
		return rec, err
	}
	if !r.state.SetScore(epoch, rec) {
		r.log.WithField("epoch", epoch).Debug("discarding score read from a previous session")
	}
	return rec, nil
}

// ReconcileMember confirms addr with the ledger before recording it.
func (r *Reconciler) ReconcileMember(ctx context.Context, epoch uint64, addr ledger.Address) error {
	ok, err := r.gw.IsMember(ctx, addr)
	if err != nil {
		return err
	}
	if !ok {
		r.log.WithField("address", addr).Debug("member event not confirmed by the ledger")
		return nil
	}
	if !r.state.AddMember(epoch, addr) {
		return nil
	}
	r.metrics.Reconciled.With("entity", storage.EntityMembers, "changed", "true").Add(1)
	return r.persistMembers(epoch)
}

// ReconcileAll re-reads every tracked loan and the score.
func (r *Reconciler) ReconcileAll(ctx context.Context, epoch uint64) error {
	var errs []error
	for _, id := range r.state.LoanIDs() {
		if !r.state.Current(epoch) {
			return nil
		}
		if _, err := r.ReconcileLoan(ctx, epoch, id); err != nil {
			if ledger.IsKind(err, ledger.KindConnectionUnavailable) {
				return err
			}
			errs = append(errs, fmt.Errorf("loan %s: %w", id, err))
		}
	}
	if _, err := r.ReconcileScore(ctx, epoch); err != nil {
		errs = append(errs, fmt.Errorf("credit score: %w", err))
	}
	return errors.Join(errs...)
}

func (r *Reconciler) persistLoans(epoch uint64) error {
	if r.cache == nil || !r.state.Current(epoch) {
		return nil
	}
	ids := r.state.LoanIDs()
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	if _, err := r.cache.Put(storage.NewKey(storage.EntityLoans, string(r.state.Address())), raw); err != nil {
		return fmt.Errorf("failed to cache loan ids: %w", err)
	}
	return nil
}

func (r *Reconciler) persistMembers(epoch uint64) error {
	if r.cache == nil || !r.state.Current(epoch) {
		return nil
	}
	members := r.state.ConfirmedMembers()
	raw := make([]string, len(members))
	for i, m := range members {
		raw[i] = string(m)
	}
	if _, err := r.cache.Put(storage.NewKey(storage.EntityMembers, r.gw.Contracts().MemberContract()), raw); err != nil {
		return fmt.Errorf("failed to cache members: %w", err)
	}
	return nil
}

func (r *Reconciler) recordBlock(block uint64) {
	for {
		current := r.lastBlock.Load()
		if block <= current {
			return
		}
		if r.lastBlock.CompareAndSwap(current, block) {
			break
		}
	}
	if r.cache != nil {
		if err := r.cache.SetMetadata(lastBlockKey, strconv.FormatUint(block, 10)); err != nil {
			r.log.WithError(err).Debug("failed to record last block")
		}
	}
}

// LastBlock is the highest block number seen in a handled event.
func (r *Reconciler) LastBlock() uint64 {
	return r.lastBlock.Load()
}
