// Package state holds the in-memory view of the tracked account. Every
// mutation carries the epoch it was started under; once the tracked address
// changes, writes from older epochs are dropped.
package state

import (
	"math/big"
	"sync"

	"github.com/loansync/loansync/internal/ledger"
)

type overlay struct {
	seq       uint64
	committed bool
	apply     func(*ledger.Loan)
}

type memberEntry struct {
	confirmed bool
	tentative []uint64
}

type MemberView struct {
	Address   ledger.Address `json:"address"`
	Tentative bool           `json:"tentative"`
}

type State struct {
	mu sync.RWMutex

	epoch   uint64
	address ledger.Address
	seq     uint64

	loanIDs  []ledger.LoanID
	loans    map[ledger.LoanID]*ledger.Loan
	overlays map[ledger.LoanID][]*overlay

	memberOrder []ledger.Address
	members     map[ledger.Address]*memberEntry

	score *ledger.CreditScoreRecord
}

func New() *State {
	s := &State{}
	s.resetLocked()
	return s
}

func (s *State) resetLocked() {
	s.loanIDs = nil
	s.loans = make(map[ledger.LoanID]*ledger.Loan)
	s.overlays = make(map[ledger.LoanID][]*overlay)
	s.memberOrder = nil
	s.members = make(map[ledger.Address]*memberEntry)
	s.score = nil
}

// Switch starts a new epoch for addr and clears everything tracked for the
// previous address.
func (s *State) Switch(addr ledger.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.address = ledger.NormalizeAddress(string(addr))
	s.resetLocked()
	return s.epoch
}

func (s *State) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

func (s *State) Address() ledger.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// Current reports whether epoch is still the live one.
func (s *State) Current(epoch uint64) bool {
	return s.Epoch() == epoch
}

// SetLoanIDs replaces the ordered loan id list.
func (s *State) SetLoanIDs(epoch uint64, ids []ledger.LoanID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.loanIDs = append([]ledger.LoanID{}, ids...)
	return true
}

func (s *State) LoanIDs() []ledger.LoanID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ledger.LoanID{}, s.loanIDs...)
}

func cloneLoan(l *ledger.Loan) *ledger.Loan {
	c := *l
	if l.Amount != nil {
		c.Amount = new(big.Int).Set(l.Amount)
	}
	return &c
}

// MergeLoan folds a confirmed ledger read into the view. Flags only move
// forward: a read that lags behind what is already known cannot un-approve or
// un-pay a loan. It reports whether anything visible changed.
func (s *State) MergeLoan(epoch uint64, loan *ledger.Loan) (changed bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || loan == nil {
		return false, false
	}

	next := cloneLoan(loan)
	if next.IsPaid {
		next.IsApproved = true
	}

	prev, known := s.loans[loan.ID]
	if known {
		next.IsApproved = next.IsApproved || prev.IsApproved
		next.IsPaid = next.IsPaid || prev.IsPaid
		if prev.VoteCount > next.VoteCount {
			next.VoteCount = prev.VoteCount
		}
		changed = !sameLoan(prev, next)
	} else {
		changed = true
		if !containsID(s.loanIDs, loan.ID) {
			s.loanIDs = append(s.loanIDs, loan.ID)
		}
	}
	s.loans[loan.ID] = next

	kept := s.overlays[loan.ID][:0]
	for _, o := range s.overlays[loan.ID] {
		if !o.committed {
			kept = append(kept, o)
		}
	}
	if len(kept) == 0 {
		delete(s.overlays, loan.ID)
	} else {
		s.overlays[loan.ID] = kept
	}
	return changed, true
}

func sameLoan(a, b *ledger.Loan) bool {
	if a.IsApproved != b.IsApproved || a.IsPaid != b.IsPaid || a.VoteCount != b.VoteCount {
		return false
	}
	if a.Borrower != b.Borrower || !a.RepaymentDueAt.Equal(b.RepaymentDueAt) {
		return false
	}
	switch {
	case a.Amount == nil && b.Amount == nil:
		return true
	case a.Amount == nil || b.Amount == nil:
		return false
	default:
		return a.Amount.Cmp(b.Amount) == 0
	}
}

func containsID(ids []ledger.LoanID, id ledger.LoanID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

// Loan returns the loan with pending optimistic changes applied.
func (s *State) Loan(id ledger.LoanID) (*ledger.Loan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked(id)
}

func (s *State) viewLocked(id ledger.LoanID) (*ledger.Loan, bool) {
	base, ok := s.loans[id]
	if !ok {
		return nil, false
	}
	view := cloneLoan(base)
	for _, o := range s.overlays[id] {
		o.apply(view)
	}
	return view, true
}

// Loans returns every known loan in list order.
func (s *State) Loans() []*ledger.Loan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loans := make([]*ledger.Loan, 0, len(s.loanIDs))
	for _, id := range s.loanIDs {
		if view, ok := s.viewLocked(id); ok {
			loans = append(loans, view)
		}
	}
	return loans
}

// ActiveLoans returns approved loans still awaiting repayment.
func (s *State) ActiveLoans() []*ledger.Loan {
	var active []*ledger.Loan
	for _, loan := range s.Loans() {
		if loan.Active() {
			active = append(active, loan)
		}
	}
	return active
}

func (s *State) SetScore(epoch uint64, rec ledger.CreditScoreRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.score = &rec
	return true
}

func (s *State) Score() (ledger.CreditScoreRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.score == nil {
		return ledger.CreditScoreRecord{}, false
	}
	return *s.score, true
}

// AddMember records a member confirmed by the ledger.
func (s *State) AddMember(epoch uint64, addr ledger.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.memberLocked(addr).confirmed = true
	return true
}

func (s *State) memberLocked(addr ledger.Address) *memberEntry {
	addr = ledger.NormalizeAddress(string(addr))
	entry, ok := s.members[addr]
	if !ok {
		entry = &memberEntry{}
		s.members[addr] = entry
		s.memberOrder = append(s.memberOrder, addr)
	}
	return entry
}

func (s *State) Members() []MemberView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	views := make([]MemberView, 0, len(s.memberOrder))
	for _, addr := range s.memberOrder {
		entry := s.members[addr]
		if !entry.confirmed && len(entry.tentative) == 0 {
			continue
		}
		views = append(views, MemberView{Address: addr, Tentative: !entry.confirmed})
	}
	return views
}

// ConfirmedMembers lists only members the ledger has confirmed.
func (s *State) ConfirmedMembers() []ledger.Address {
	var confirmed []ledger.Address
	for _, m := range s.Members() {
		if !m.Tentative {
			confirmed = append(confirmed, m.Address)
		}
	}
	return confirmed
}
