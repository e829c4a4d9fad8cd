package quorum

import (
	"context"
	"math/big"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loansync/loansync/internal/ledger"
	"github.com/loansync/loansync/internal/ledger/ledgertest"
)

const (
	daoOwner ledger.Address = "0x00000000000000000000000000000000000000aa"
	borrower ledger.Address = "0x1111111111111111111111111111111111111111"
)

func newTracker(t *testing.T) (*Tracker, *ledgertest.Ledger, *ledger.Gateway) {
	t.Helper()
	fake := ledgertest.New(daoOwner)
	log, _ := logtest.NewNullLogger()
	gw := ledger.NewGateway(fake, ledger.Contracts{Loan: "loan"}, log)
	return NewTracker(gw, log), fake, gw
}

func TestNext(t *testing.T) {
	tests := []struct {
		name     string
		current  Status
		votes    uint64
		required uint64
		approved bool
		rejected bool
		want     Status
	}{
		{"below threshold", Pending, 1, 3, false, false, Pending},
		{"threshold reached", Pending, 3, 3, false, false, Approved},
		{"above threshold", Pending, 4, 3, false, false, Approved},
		{"ledger approved", Pending, 0, 3, true, false, Approved},
		{"ledger rejected", Pending, 1, 3, false, true, Rejected},
		{"unknown threshold", Pending, 5, 0, false, false, Pending},
		{"approved is terminal", Approved, 0, 3, false, true, Approved},
		{"rejected is terminal", Rejected, 9, 3, true, false, Rejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Next(tt.current, tt.votes, tt.required, tt.approved, tt.rejected)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "approved", Approved.String())
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "status(7)", Status(7).String())
}

func TestQuorumReachedAfterRequiredVotes(t *testing.T) {
	tracker, fake, gw := newTracker(t)
	ctx := context.Background()
	fake.SetRequiredVotes(3)

	amount, err := ledger.ParseAmount("1.5")
	require.NoError(t, err)
	id := fake.AddLoan(ledger.Loan{Borrower: borrower, Amount: amount})

	voters := []ledger.Address{
		"0x00000000000000000000000000000000000000c1",
		"0x00000000000000000000000000000000000000c2",
		"0x00000000000000000000000000000000000000c3",
	}
	for i, voter := range voters {
		require.NoError(t, tracker.CheckVote(ctx, id, voter))

		hash, err := gw.Send(ctx, gw.VoteCall(voter, id, ledger.Approve))
		require.NoError(t, err)
		_, err = gw.WaitMined(ctx, hash)
		require.NoError(t, err)

		snap, err := tracker.Refresh(ctx, id)
		require.NoError(t, err)
		assert.EqualValues(t, i+1, snap.Votes)
		assert.EqualValues(t, 3, snap.Required)
		if i < 2 {
			assert.Equal(t, Pending, snap.Status)
		} else {
			assert.Equal(t, Approved, snap.Status)
		}
	}
}

func TestStatusIsMonotonic(t *testing.T) {
	tracker, _, _ := newTracker(t)

	details := &ledger.LoanDetails{Loan: ledger.Loan{ID: "1", VoteCount: 2}}
	assert.Equal(t, Approved, tracker.Observe(details, 2).Status)

	lagging := &ledger.LoanDetails{Loan: ledger.Loan{ID: "1", VoteCount: 1}}
	snap := tracker.Observe(lagging, 2)
	assert.Equal(t, Approved, snap.Status)
	assert.EqualValues(t, 2, snap.Votes, "vote count never decreases")

	rejected := &ledger.LoanDetails{Loan: ledger.Loan{ID: "1"}, IsRejected: true}
	assert.Equal(t, Approved, tracker.Observe(rejected, 2).Status)
}

func TestCheckVoteBlocksSecondVote(t *testing.T) {
	tracker, fake, gw := newTracker(t)
	ctx := context.Background()
	fake.SetRequiredVotes(2)
	id := fake.AddLoan(ledger.Loan{Borrower: borrower, Amount: big.NewInt(10)})
	voter := ledger.Address("0x00000000000000000000000000000000000000c1")

	require.NoError(t, tracker.CheckVote(ctx, id, voter))
	hash, err := gw.Send(ctx, gw.VoteCall(voter, id, ledger.Approve))
	require.NoError(t, err)
	_, err = gw.WaitMined(ctx, hash)
	require.NoError(t, err)

	err = tracker.CheckVote(ctx, id, voter)
	require.Error(t, err)
	assert.True(t, ledger.IsKind(err, ledger.KindPreflightRejected))
	assert.Equal(t, "Already voted", ledger.ReasonOf(err))
}

func TestCheckVoteOnClosedLoan(t *testing.T) {
	tracker, fake, _ := newTracker(t)
	ctx := context.Background()
	id := fake.AddLoan(ledger.Loan{Borrower: borrower, Amount: big.NewInt(10)})
	fake.Update(id, func(d *ledger.LoanDetails) { d.IsRejected = true })

	_, err := tracker.Refresh(ctx, id)
	require.NoError(t, err)

	err = tracker.CheckVote(ctx, id, "0x00000000000000000000000000000000000000c1")
	assert.True(t, ledger.IsKind(err, ledger.KindPreflightRejected))
	assert.Equal(t, "Loan already rejected", ledger.ReasonOf(err))
}

func TestPendingAndForget(t *testing.T) {
	tracker, fake, _ := newTracker(t)
	fake.SetRequiredVotes(2)
	open := fake.AddLoan(ledger.Loan{Borrower: borrower, Amount: big.NewInt(10)})
	fake.AddLoan(ledger.Loan{Borrower: borrower, Amount: big.NewInt(10), IsApproved: true})

	snaps, err := tracker.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, open, snaps[0].LoanID)
	assert.Equal(t, Pending, snaps[0].Status)

	_, ok := tracker.Status(open)
	assert.True(t, ok)
	tracker.Forget()
	_, ok = tracker.Status(open)
	assert.False(t, ok)
}
