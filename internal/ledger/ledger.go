package ledger

import (
	"context"
	"math/big"
)

// Method names a state-changing ledger operation.
type Method string

const (
	MethodRequestLoan           Method = "requestLoan"
	MethodVoteOnLoan            Method = "voteOnLoan"
	MethodRejectLoan            Method = "rejectLoan"
	MethodDisburseLoan          Method = "disburseLoan"
	MethodRepayLoan             Method = "repayLoan"
	MethodAddMember             Method = "addMember"
	MethodInitializeCreditScore Method = "initializeCreditScore"
)

// ValueBearing reports whether the method transfers funds with the call.
func (m Method) ValueBearing() bool {
	return m == MethodDisburseLoan || m == MethodRepayLoan
}

// Call is a fully-specified state-changing invocation.
type Call struct {
	Contract string        `json:"contract"`
	Method   Method        `json:"method"`
	Args     []interface{} `json:"args"`
	From     Address       `json:"from"`
	Value    *big.Int      `json:"value,omitempty"`
}

// Reader is the read surface of the ledger. Deployments differ in which
// enumeration calls they expose; missing calls fail with KindUnsupported.
type Reader interface {
	GetUserLoans(ctx context.Context, owner Address) ([]LoanID, error)
	GetUserLoansCount(ctx context.Context, owner Address) (uint64, error)
	UserLoanAt(ctx context.Context, owner Address, index uint64) (LoanID, error)
	GetLoansCount(ctx context.Context) (uint64, error)
	LoanAt(ctx context.Context, index uint64) (LoanID, error)
	Loan(ctx context.Context, id LoanID) (*Loan, error)
	GetMultipleLoans(ctx context.Context, ids []LoanID) ([]*Loan, error)
	GetPendingLoans(ctx context.Context) ([]LoanID, error)
	GetLoanDetails(ctx context.Context, id LoanID) (*LoanDetails, error)
	HasUserVoted(ctx context.Context, id LoanID, voter Address) (bool, error)
	RequiredVotes(ctx context.Context) (uint64, error)
	IsMember(ctx context.Context, addr Address) (bool, error)
	Owner(ctx context.Context) (Address, error)
	HasCreditScore(ctx context.Context, addr Address) (bool, error)
	GetCreditScore(ctx context.Context, addr Address) (int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Logs(ctx context.Context, filter LogFilter) ([]Event, error)
}

// Writer submits state-changing calls.
type Writer interface {
	Simulate(ctx context.Context, call *Call) error
	Send(ctx context.Context, call *Call) (string, error)
	WaitMined(ctx context.Context, txHash string) (*Receipt, error)
}

type Subscription interface {
	Events() <-chan Event
	Err() <-chan error
	Unsubscribe()
}

type EventStream interface {
	Subscribe(ctx context.Context, contract string, types []EventType) (Subscription, error)
}

// Client is the complete external ledger interface.
type Client interface {
	Reader
	Writer
	EventStream
}

// Contracts holds the deployed contract references.
type Contracts struct {
	Loan        string
	DAO         string
	CreditScore string
}

func (c Contracts) ForMethod(m Method) string {
	if m == MethodAddMember && c.DAO != "" {
		return c.DAO
	}
	return c.Loan
}

func (c Contracts) ScoreContract() string {
	if c.CreditScore != "" {
		return c.CreditScore
	}
	return c.Loan
}

func (c Contracts) MemberContract() string {
	if c.DAO != "" {
		return c.DAO
	}
	return c.Loan
}
