// Package quorum mirrors the governance state of loans. It never predicts an
// outcome: Approved and Rejected are only entered once the ledger reports
// enough votes or an explicit rejection.
package quorum

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/loansync/loansync/internal/ledger"
)

type Status int

const (
	Pending Status = iota
	Approved
	Rejected
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) Terminal() bool {
	return s == Approved || s == Rejected
}

// Next folds one confirmed observation into current. Terminal states are
// never left.
func Next(current Status, votes, required uint64, approved, rejected bool) Status {
	if current.Terminal() {
		return current
	}
	switch {
	case approved:
		return Approved
	case rejected:
		return Rejected
	case required > 0 && votes >= required:
		return Approved
	default:
		return Pending
	}
}

type Snapshot struct {
	LoanID   ledger.LoanID `json:"loan_id"`
	Status   Status        `json:"status"`
	Votes    uint64        `json:"votes"`
	Required uint64        `json:"required"`
}

type Tracker struct {
	gw  *ledger.Gateway
	log *logrus.Logger

	mu    sync.RWMutex
	loans map[ledger.LoanID]*Snapshot
}

func NewTracker(gw *ledger.Gateway, log *logrus.Logger) *Tracker {
	return &Tracker{
		gw:    gw,
		log:   log,
		loans: make(map[ledger.LoanID]*Snapshot),
	}
}

// Refresh re-reads the loan and the vote threshold and advances the loan's
// status accordingly.
func (t *Tracker) Refresh(ctx context.Context, id ledger.LoanID) (Snapshot, error) {
	details, err := t.gw.GetLoanDetails(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	required, err := t.gw.RequiredVotes(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return t.Observe(details, required), nil
}

// Observe applies an already fetched loan state.
func (t *Tracker) Observe(details *ledger.LoanDetails, required uint64) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap, ok := t.loans[details.ID]
	if !ok {
		snap = &Snapshot{LoanID: details.ID, Status: Pending}
		t.loans[details.ID] = snap
	}

	prev := snap.Status
	snap.Status = Next(snap.Status, details.VoteCount, required, details.IsApproved, details.IsRejected)
	if details.VoteCount > snap.Votes {
		snap.Votes = details.VoteCount
	}
	snap.Required = required

	if prev != snap.Status {
		t.log.WithFields(logrus.Fields{
			"loan_id": details.ID,
			"from":    prev.String(),
			"to":      snap.Status.String(),
			"votes":   snap.Votes,
		}).Info("loan governance status changed")
	}
	return *snap
}

func (t *Tracker) Status(id ledger.LoanID) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.loans[id]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// Forget drops every tracked loan, used when the active account changes.
func (t *Tracker) Forget() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loans = make(map[ledger.LoanID]*Snapshot)
}

// CheckVote fails with KindPreflightRejected if voter has already voted on
// the loan or the loan is no longer open for voting. The ledger remains the
// authority; this only avoids submitting a doomed vote.
func (t *Tracker) CheckVote(ctx context.Context, id ledger.LoanID, voter ledger.Address) error {
	op := "vote " + string(id)

	voted, err := t.gw.HasUserVoted(ctx, id, voter)
	if err != nil {
		return err
	}
	if voted {
		return ledger.NewError(ledger.KindPreflightRejected, op, "Already voted")
	}

	if snap, ok := t.Status(id); ok && snap.Status.Terminal() {
		return ledger.NewError(ledger.KindPreflightRejected, op, "Loan already "+snap.Status.String())
	}
	return nil
}

// Pending lists the loans the ledger reports as awaiting votes, with their
// current governance snapshot.
func (t *Tracker) Pending(ctx context.Context) ([]Snapshot, error) {
	ids, err := t.gw.GetPendingLoans(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := t.Refresh(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, snap)
	}
	return out, nil
}
