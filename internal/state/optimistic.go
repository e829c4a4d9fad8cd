package state

import (
	"sync"

	"github.com/loansync/loansync/internal/ledger"
)

// Change is a tentative update shown before the ledger confirms it. Exactly
// one of Commit or Rollback takes effect; later calls are no-ops.
type Change struct {
	once     sync.Once
	commit   func()
	rollback func()
}

func (c *Change) Commit() {
	if c == nil {
		return
	}
	c.once.Do(c.commit)
}

func (c *Change) Rollback() {
	if c == nil {
		return
	}
	c.once.Do(c.rollback)
}

func (s *State) loanChange(epoch uint64, id ledger.LoanID, apply func(*ledger.Loan)) *Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return nil
	}
	if _, ok := s.loans[id]; !ok {
		return nil
	}

	s.seq++
	o := &overlay{seq: s.seq, apply: apply}
	s.overlays[id] = append(s.overlays[id], o)

	return &Change{
		commit: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			o.committed = true
		},
		rollback: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			list := s.overlays[id]
			for i, existing := range list {
				if existing == o {
					s.overlays[id] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(s.overlays[id]) == 0 {
				delete(s.overlays, id)
			}
		},
	}
}

// TentativeRepay shows the loan as paid until the repayment is confirmed or
// rolled back. It returns nil when there is nothing to update.
func (s *State) TentativeRepay(epoch uint64, id ledger.LoanID) *Change {
	return s.loanChange(epoch, id, func(l *ledger.Loan) {
		l.IsPaid = true
		l.IsApproved = true
	})
}

// TentativeVote counts an approving vote ahead of confirmation.
func (s *State) TentativeVote(epoch uint64, id ledger.LoanID, choice ledger.Choice) *Change {
	if choice != ledger.Approve {
		return nil
	}
	return s.loanChange(epoch, id, func(l *ledger.Loan) {
		l.VoteCount++
	})
}

// TentativeMember lists addr as a pending member.
func (s *State) TentativeMember(epoch uint64, addr ledger.Address) *Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return nil
	}

	s.seq++
	seq := s.seq
	entry := s.memberLocked(addr)
	entry.tentative = append(entry.tentative, seq)

	drop := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, existing := range entry.tentative {
			if existing == seq {
				entry.tentative = append(entry.tentative[:i], entry.tentative[i+1:]...)
				break
			}
		}
	}
	return &Change{
		commit: func() {
			drop()
			s.mu.Lock()
			defer s.mu.Unlock()
			entry.confirmed = true
		},
		rollback: drop,
	}
}
