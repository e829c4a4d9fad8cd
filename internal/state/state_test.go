package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loansync/loansync/internal/ledger"
)

const (
	alice ledger.Address = "0x1111111111111111111111111111111111111111"
	bob   ledger.Address = "0x2222222222222222222222222222222222222222"
)

func loan(id string, approved, paid bool) *ledger.Loan {
	return &ledger.Loan{
		ID:         ledger.LoanID(id),
		Borrower:   alice,
		Amount:     big.NewInt(100),
		IsApproved: approved,
		IsPaid:     paid,
	}
}

func TestSwitchDiscardsStaleEpoch(t *testing.T) {
	s := New()
	first := s.Switch(alice)
	require.True(t, s.SetLoanIDs(first, []ledger.LoanID{"1"}))

	second := s.Switch(bob)
	assert.NotEqual(t, first, second)
	assert.Empty(t, s.LoanIDs(), "switch must clear the previous address")
	assert.Equal(t, bob, s.Address())

	assert.False(t, s.SetLoanIDs(first, []ledger.LoanID{"9"}))
	_, ok := s.MergeLoan(first, loan("9", true, false))
	assert.False(t, ok)
	assert.False(t, s.SetScore(first, ledger.CreditScoreRecord{Address: alice, HasScore: true, Score: 700}))
	assert.False(t, s.AddMember(first, alice))
	assert.Nil(t, s.TentativeMember(first, alice))

	assert.Empty(t, s.Loans())
	_, has := s.Score()
	assert.False(t, has)
	assert.Empty(t, s.Members())
	assert.True(t, s.Current(second))
	assert.False(t, s.Current(first))
}

func TestMergeLoanIsMonotonic(t *testing.T) {
	s := New()
	epoch := s.Switch(alice)

	changed, ok := s.MergeLoan(epoch, loan("1", true, true))
	require.True(t, ok)
	assert.True(t, changed)

	changed, _ = s.MergeLoan(epoch, loan("1", false, false))
	assert.False(t, changed, "a lagging read must not regress flags")

	got, ok := s.Loan("1")
	require.True(t, ok)
	assert.True(t, got.IsPaid)
	assert.True(t, got.IsApproved)

	changed, _ = s.MergeLoan(epoch, loan("1", true, true))
	assert.False(t, changed, "re-applying the same fact is a no-op")
}

func TestMergeLoanPaidImpliesApproved(t *testing.T) {
	s := New()
	epoch := s.Switch(alice)

	_, ok := s.MergeLoan(epoch, loan("1", false, true))
	require.True(t, ok)
	got, _ := s.Loan("1")
	assert.NoError(t, got.Validate())
	assert.True(t, got.IsApproved)
}

func TestMergeLoanAppendsUnknownIDs(t *testing.T) {
	s := New()
	epoch := s.Switch(alice)
	s.SetLoanIDs(epoch, []ledger.LoanID{"2", "1"})

	s.MergeLoan(epoch, loan("1", true, false))
	s.MergeLoan(epoch, loan("3", true, false))
	s.MergeLoan(epoch, loan("2", true, true))

	assert.Equal(t, []ledger.LoanID{"2", "1", "3"}, s.LoanIDs())

	var ids []ledger.LoanID
	for _, l := range s.Loans() {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []ledger.LoanID{"2", "1", "3"}, ids)

	var active []ledger.LoanID
	for _, l := range s.ActiveLoans() {
		active = append(active, l.ID)
	}
	assert.Equal(t, []ledger.LoanID{"1", "3"}, active)
}

func TestMergeLoanDoesNotAliasInput(t *testing.T) {
	s := New()
	epoch := s.Switch(alice)
	in := loan("1", true, false)
	s.MergeLoan(epoch, in)

	in.Amount.SetInt64(1)
	in.IsPaid = true

	got, _ := s.Loan("1")
	assert.Equal(t, int64(100), got.Amount.Int64())
	assert.False(t, got.IsPaid)
}

func TestScore(t *testing.T) {
	s := New()
	epoch := s.Switch(alice)

	_, ok := s.Score()
	assert.False(t, ok)

	require.True(t, s.SetScore(epoch, ledger.CreditScoreRecord{Address: alice, HasScore: true, Score: 610}))
	rec, ok := s.Score()
	require.True(t, ok)
	assert.Equal(t, 610, rec.Score)
}

func TestMembers(t *testing.T) {
	s := New()
	epoch := s.Switch(alice)

	s.AddMember(epoch, "0xAAAA000000000000000000000000000000000001")
	s.AddMember(epoch, "0xaaaa000000000000000000000000000000000001")
	change := s.TentativeMember(epoch, bob)
	require.NotNil(t, change)

	assert.Equal(t, []MemberView{
		{Address: "0xaaaa000000000000000000000000000000000001"},
		{Address: bob, Tentative: true},
	}, s.Members())
	assert.Equal(t, []ledger.Address{"0xaaaa000000000000000000000000000000000001"}, s.ConfirmedMembers())

	change.Rollback()
	assert.Len(t, s.Members(), 1)
}
