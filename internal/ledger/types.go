// Package ledger defines the typed surface of the remote loan ledger: the
// entities it serves, the calls it accepts and the closed set of error kinds
// every transport failure is decoded into.
package ledger

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Address is a ledger account address in canonical lower-case form.
type Address string

func NormalizeAddress(s string) Address {
	return Address(strings.ToLower(strings.TrimSpace(s)))
}

func IsAddress(s string) bool {
	return addressPattern.MatchString(strings.TrimSpace(s))
}

func (a Address) Equal(other Address) bool {
	return NormalizeAddress(string(a)) == NormalizeAddress(string(other))
}

func (a Address) String() string {
	return string(a)
}

// Short renders the address the way account badges show it, e.g. 0x1234...abcd.
func (a Address) Short() string {
	s := string(a)
	if len(s) <= 10 {
		return s
	}
	return s[:6] + "..." + s[len(s)-4:]
}

// LoanID is the opaque identifier the ledger assigns to a loan.
type LoanID string

func (id LoanID) String() string {
	return string(id)
}

type Loan struct {
	ID             LoanID    `json:"id"`
	Borrower       Address   `json:"borrower"`
	Amount         *big.Int  `json:"amount"`
	RepaymentDueAt time.Time `json:"repayment_due_at"`
	IsApproved     bool      `json:"is_approved"`
	IsPaid         bool      `json:"is_paid"`
	VoteCount      uint64    `json:"vote_count"`
}

// Exists reports whether the loan slot holds a real loan. The ledger answers
// lookups of unknown ids with a zero-valued record rather than an error.
func (l *Loan) Exists() bool {
	return l != nil && l.Borrower != "" && l.Amount != nil && l.Amount.Sign() > 0
}

// Active reports whether the loan is approved and still awaiting repayment.
func (l *Loan) Active() bool {
	return l.IsApproved && !l.IsPaid
}

func (l *Loan) Validate() error {
	if l.IsPaid && !l.IsApproved {
		return fmt.Errorf("loan %s is paid but not approved", l.ID)
	}
	return nil
}

// LoanDetails is the governance view of a loan as reported by getLoanDetails.
type LoanDetails struct {
	Loan
	IsRejected bool `json:"is_rejected"`
}

type Choice bool

const (
	Approve Choice = true
	Reject  Choice = false
)

func (c Choice) String() string {
	if c {
		return "approve"
	}
	return "reject"
}

type Vote struct {
	LoanID LoanID  `json:"loan_id"`
	Voter  Address `json:"voter"`
	Choice Choice  `json:"choice"`
}

type Member struct {
	Address  Address `json:"address"`
	IsMember bool    `json:"is_member"`
}

const (
	MinScore = 300
	MaxScore = 850
)

type CreditScoreRecord struct {
	Address  Address `json:"address"`
	HasScore bool    `json:"has_score"`
	Score    int     `json:"score"`
}

func (r CreditScoreRecord) InRange() bool {
	return r.Score >= MinScore && r.Score <= MaxScore
}

type EventType string

const (
	EventLoanRequested      EventType = "LoanRequested"
	EventLoanRepaid         EventType = "LoanRepaid"
	EventCreditScoreUpdated EventType = "CreditScoreUpdated"
	EventMemberAdded        EventType = "MemberAdded"
)

// Event is a push notification or log entry emitted by a ledger contract.
// Events only carry identifiers; the referenced entity must be re-read.
type Event struct {
	Type        EventType `json:"type"`
	Contract    string    `json:"contract"`
	LoanID      LoanID    `json:"loan_id,omitempty"`
	Address     Address   `json:"address,omitempty"`
	Score       int       `json:"score,omitempty"`
	BlockNumber uint64    `json:"block_number"`
	TxHash      string    `json:"tx_hash,omitempty"`
	LogIndex    uint      `json:"log_index"`
}

// LogFilter selects historical events over a closed block range.
type LogFilter struct {
	Contract  string
	FromBlock uint64
	ToBlock   uint64
	Types     []EventType
	Address   Address
}

type Receipt struct {
	TxHash       string `json:"tx_hash"`
	BlockNumber  uint64 `json:"block_number"`
	Status       uint64 `json:"status"`
	RevertReason string `json:"revert_reason,omitempty"`
}

func (r *Receipt) Succeeded() bool {
	return r.Status == 1
}
