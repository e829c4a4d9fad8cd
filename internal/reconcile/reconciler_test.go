package reconcile

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loansync/loansync/internal/creditscore"
	"github.com/loansync/loansync/internal/ledger"
	"github.com/loansync/loansync/internal/ledger/ledgertest"
	"github.com/loansync/loansync/internal/state"
	"github.com/loansync/loansync/internal/storage"
)

const (
	daoOwner ledger.Address = "0x00000000000000000000000000000000000000aa"
	alice    ledger.Address = "0x1111111111111111111111111111111111111111"
	bob      ledger.Address = "0x2222222222222222222222222222222222222222"
)

type recordingNotifier struct {
	mu         sync.Mutex
	repayments []string
	scores     []int
	system     []string
}

func (n *recordingNotifier) SendRepaymentAlert(loanID, borrower, amount, txHash string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.repayments = append(n.repayments, loanID)
	return nil
}

func (n *recordingNotifier) SendScoreUpdatedAlert(address string, score int, band string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scores = append(n.scores, score)
	return nil
}

func (n *recordingNotifier) SendSystemAlert(title, message, severity string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.system = append(n.system, title)
	return nil
}

func (n *recordingNotifier) counts() (repayments, scores, system int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.repayments), len(n.scores), len(n.system)
}

type recordingSink struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (s *recordingSink) Index(_ context.Context, ev ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type fixture struct {
	fake     *ledgertest.Ledger
	st       *state.State
	cache    *storage.Storage
	notifier *recordingNotifier
	r        *Reconciler
	epoch    uint64
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	fake := ledgertest.New(daoOwner)
	log, _ := logtest.NewNullLogger()
	gw := ledger.NewGateway(fake, ledger.Contracts{Loan: "loan", DAO: "dao"}, log)

	cache, err := storage.New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	st := state.New()
	epoch := st.Switch(alice)
	notifier := &recordingNotifier{}

	opts = append([]Option{
		WithCache(cache),
		WithNotifier(notifier),
		WithBackoff(time.Millisecond, 5*time.Millisecond),
	}, opts...)
	r := NewReconciler(gw, st, creditscore.NewSync(gw, log), log, opts...)
	return &fixture{fake: fake, st: st, cache: cache, notifier: notifier, r: r, epoch: epoch}
}

func (f *fixture) trackLoan(t *testing.T, amount int64) ledger.LoanID {
	t.Helper()
	id := f.fake.AddLoan(ledger.Loan{Borrower: alice, Amount: big.NewInt(amount), IsApproved: true})
	_, err := f.r.ReconcileLoan(context.Background(), f.epoch, id)
	require.NoError(t, err)
	return id
}

func TestRepaymentReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := f.trackLoan(t, 100)
	f.fake.Update(id, func(d *ledger.LoanDetails) { d.IsPaid = true })
	f.fake.SetScore(alice, 510)

	ev := ledger.Event{Type: ledger.EventLoanRepaid, LoanID: id, BlockNumber: 7}
	for i := 0; i < 3; i++ {
		require.NoError(t, f.r.HandleEvent(context.Background(), f.epoch, ev))
	}

	loan, ok := f.st.Loan(id)
	require.True(t, ok)
	assert.True(t, loan.IsPaid)
	assert.True(t, loan.IsApproved)

	rec, ok := f.st.Score()
	require.True(t, ok)
	assert.Equal(t, 510, rec.Score)

	repayments, _, _ := f.notifier.counts()
	assert.Equal(t, 1, repayments, "replayed events change nothing")
	assert.EqualValues(t, 7, f.r.LastBlock())
}

func TestRepaymentAlreadySeenStillRefreshesScore(t *testing.T) {
	f := newFixture(t)
	id := f.fake.AddLoan(ledger.Loan{Borrower: alice, Amount: big.NewInt(100), IsApproved: true, IsPaid: true})
	_, err := f.r.ReconcileLoan(context.Background(), f.epoch, id)
	require.NoError(t, err)
	f.fake.SetScore(alice, 540)

	require.NoError(t, f.r.HandleEvent(context.Background(), f.epoch, ledger.Event{Type: ledger.EventLoanRepaid, LoanID: id}))

	rec, ok := f.st.Score()
	require.True(t, ok)
	assert.Equal(t, 540, rec.Score)

	repayments, _, _ := f.notifier.counts()
	assert.Zero(t, repayments, "the repayment was already shown")
}

func TestRepaymentPersistsLoanIDs(t *testing.T) {
	f := newFixture(t)
	first := f.trackLoan(t, 100)
	second := f.trackLoan(t, 200)

	snap, ok, err := f.cache.Get(storage.NewKey(storage.EntityLoans, string(alice)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{string(first), string(second)}, snap.IDs)

	block, err := f.cache.GetMetadata(lastBlockKey)
	assert.Error(t, err, "nothing handled yet")
	assert.Empty(t, block)
}

func TestLaggingReadDoesNotUnpay(t *testing.T) {
	f := newFixture(t)
	id := f.trackLoan(t, 100)
	f.fake.Update(id, func(d *ledger.LoanDetails) { d.IsPaid = true })
	require.NoError(t, f.r.HandleEvent(context.Background(), f.epoch, ledger.Event{Type: ledger.EventLoanRepaid, LoanID: id}))

	// a node that has not seen the repayment yet
	f.fake.Update(id, func(d *ledger.LoanDetails) { d.IsPaid = false })
	changed, err := f.r.ReconcileLoan(context.Background(), f.epoch, id)
	require.NoError(t, err)
	assert.False(t, changed)

	loan, _ := f.st.Loan(id)
	assert.True(t, loan.IsPaid)
}

func TestForeignLoansAreIgnored(t *testing.T) {
	f := newFixture(t)
	id := f.fake.AddLoan(ledger.Loan{Borrower: bob, Amount: big.NewInt(5), IsApproved: true, IsPaid: true})

	require.NoError(t, f.r.HandleEvent(context.Background(), f.epoch, ledger.Event{Type: ledger.EventLoanRepaid, LoanID: id}))
	assert.Empty(t, f.st.LoanIDs())

	repayments, _, _ := f.notifier.counts()
	assert.Zero(t, repayments)
}

func TestLoanRequestedAddsOwnLoans(t *testing.T) {
	f := newFixture(t)
	mine := f.fake.AddLoan(ledger.Loan{Borrower: alice, Amount: big.NewInt(5)})
	theirs := f.fake.AddLoan(ledger.Loan{Borrower: bob, Amount: big.NewInt(5)})

	ctx := context.Background()
	require.NoError(t, f.r.HandleEvent(ctx, f.epoch, ledger.Event{Type: ledger.EventLoanRequested, LoanID: mine, Address: alice}))
	require.NoError(t, f.r.HandleEvent(ctx, f.epoch, ledger.Event{Type: ledger.EventLoanRequested, LoanID: theirs, Address: bob}))
	assert.Equal(t, []ledger.LoanID{mine}, f.st.LoanIDs())
}

func TestScoreUpdatedForTrackedAddressOnly(t *testing.T) {
	f := newFixture(t)
	f.fake.SetScore(alice, 640)
	f.fake.SetScore(bob, 700)

	ctx := context.Background()
	require.NoError(t, f.r.HandleEvent(ctx, f.epoch, ledger.Event{Type: ledger.EventCreditScoreUpdated, Address: bob, Score: 700}))
	_, ok := f.st.Score()
	assert.False(t, ok)

	require.NoError(t, f.r.HandleEvent(ctx, f.epoch, ledger.Event{Type: ledger.EventCreditScoreUpdated, Address: alice, Score: 640}))
	rec, ok := f.st.Score()
	require.True(t, ok)
	assert.Equal(t, 640, rec.Score)

	// same score again
	require.NoError(t, f.r.HandleEvent(ctx, f.epoch, ledger.Event{Type: ledger.EventCreditScoreUpdated, Address: alice, Score: 640}))
	_, scores, _ := f.notifier.counts()
	assert.Equal(t, 1, scores)
}

func TestMemberAddedIsVerified(t *testing.T) {
	f := newFixture(t)
	f.fake.SetMember(bob, true)

	ctx := context.Background()
	require.NoError(t, f.r.HandleEvent(ctx, f.epoch, ledger.Event{Type: ledger.EventMemberAdded, Address: alice}))
	require.NoError(t, f.r.HandleEvent(ctx, f.epoch, ledger.Event{Type: ledger.EventMemberAdded, Address: bob}))
	assert.Equal(t, []ledger.Address{bob}, f.st.ConfirmedMembers())

	snap, ok, err := f.cache.Get(storage.NewKey(storage.EntityMembers, "dao"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{string(bob)}, snap.IDs)
}

func TestStaleEpochEventsAreDropped(t *testing.T) {
	f := newFixture(t)
	id := f.fake.AddLoan(ledger.Loan{Borrower: alice, Amount: big.NewInt(5)})
	f.st.Switch(bob)

	require.NoError(t, f.r.HandleEvent(context.Background(), f.epoch, ledger.Event{Type: ledger.EventLoanRequested, LoanID: id, Address: alice}))
	assert.Empty(t, f.st.LoanIDs())
	assert.Zero(t, f.fake.Calls("loans"))
}

func TestEventsAreIndexed(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t, WithSink(sink))

	ev := ledger.Event{Type: ledger.EventMemberAdded, Address: bob, TxHash: "0x01"}
	require.NoError(t, f.r.HandleEvent(context.Background(), f.epoch, ev))
	require.Len(t, sink.events, 1)
	assert.Equal(t, ev, sink.events[0])
}

func TestSubscriptionDeliversEvents(t *testing.T) {
	defer leaktest.Check(t)()

	f := newFixture(t)
	id := f.trackLoan(t, 100)
	f.fake.SetScore(alice, 520)
	f.fake.SetMember(bob, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ids, err := f.r.SubscribeAll(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, ids, 2, "loan and dao contracts")
	assert.Equal(t, 2, f.fake.Subscriptions())
	for _, info := range f.r.Subscriptions() {
		assert.Equal(t, Active, info.State)
	}

	f.fake.Update(id, func(d *ledger.LoanDetails) { d.IsPaid = true })
	f.fake.Emit(ledger.Event{Type: ledger.EventLoanRepaid, Contract: "loan", LoanID: id})
	f.fake.Emit(ledger.Event{Type: ledger.EventMemberAdded, Contract: "dao", Address: bob})

	require.Eventually(t, func() bool {
		loan, _ := f.st.Loan(id)
		rec, _ := f.st.Score()
		return loan.IsPaid && rec.Score == 520 && len(f.st.ConfirmedMembers()) == 1
	}, time.Second, 5*time.Millisecond)

	f.r.UnsubscribeAll()
	assert.Zero(t, f.fake.Subscriptions())
	assert.Empty(t, f.r.Subscriptions())
}

func TestLostStreamIsReestablished(t *testing.T) {
	defer leaktest.Check(t)()

	f := newFixture(t)
	id := f.trackLoan(t, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := f.r.Subscribe(ctx, "loan", alice)
	require.NoError(t, err)

	f.fake.FailOn("subscribe", ledger.NewError(ledger.KindConnectionUnavailable, "subscribe", "connection refused"))
	f.fake.BreakStreams(errors.New("websocket: close 1006"))

	require.Eventually(t, func() bool {
		_, _, system := f.notifier.counts()
		return system >= 2
	}, time.Second, time.Millisecond, "every failed attempt is reported")

	// repaid while the stream was down
	f.fake.Update(id, func(d *ledger.LoanDetails) { d.IsPaid = true })
	f.fake.FailOn("subscribe", nil)

	require.Eventually(t, func() bool {
		loan, _ := f.st.Loan(id)
		return f.fake.Subscriptions() == 1 && loan.IsPaid
	}, time.Second, time.Millisecond, "catch-up reconciliation after reconnecting")

	f.r.UnsubscribeAll()
	assert.Zero(t, f.fake.Subscriptions())
}

func TestSubscribingForAnotherAddressDropsOldListeners(t *testing.T) {
	defer leaktest.Check(t)()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := f.r.Subscribe(ctx, "loan", alice)
	require.NoError(t, err)

	f.st.Switch(bob)
	second, err := f.r.Subscribe(ctx, "loan", bob)
	require.NoError(t, err)

	infos := f.r.Subscriptions()
	require.Len(t, infos, 1)
	assert.Equal(t, second, infos[0].ID)
	assert.NotEqual(t, first, second)
	assert.Equal(t, bob, infos[0].Address)
	assert.Equal(t, 1, f.fake.Subscriptions())

	f.r.UnsubscribeAll()
}

func TestReconcileAll(t *testing.T) {
	f := newFixture(t)
	a := f.trackLoan(t, 10)
	b := f.trackLoan(t, 20)
	f.fake.Update(a, func(d *ledger.LoanDetails) { d.VoteCount = 2 })
	f.fake.Update(b, func(d *ledger.LoanDetails) { d.IsPaid = true })
	f.fake.SetScore(alice, 600)

	require.NoError(t, f.r.ReconcileAll(context.Background(), f.epoch))

	loanA, _ := f.st.Loan(a)
	loanB, _ := f.st.Loan(b)
	assert.EqualValues(t, 2, loanA.VoteCount)
	assert.True(t, loanB.IsPaid)
	rec, _ := f.st.Score()
	assert.Equal(t, 600, rec.Score)
}

func TestReconcileAllStopsOnConnectionLoss(t *testing.T) {
	f := newFixture(t)
	f.trackLoan(t, 10)
	f.trackLoan(t, 20)
	f.fake.FailOn("loans", ledger.NewError(ledger.KindConnectionUnavailable, "loans", "connection refused"))

	err := f.r.ReconcileAll(context.Background(), f.epoch)
	require.Error(t, err)
	assert.True(t, ledger.IsKind(err, ledger.KindConnectionUnavailable))
	assert.Equal(t, 3, f.fake.Calls("loans"), "two setup reads and one failed pass")
}
