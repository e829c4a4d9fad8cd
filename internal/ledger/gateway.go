package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultFetchConcurrency = 4

// Gateway is the typed entry point every component uses to talk to the
// ledger. It holds no business logic: it stamps operation names and
// guarantees every returned error is an *Error.
type Gateway struct {
	client    Client
	contracts Contracts
	log       *logrus.Logger

	fetchConcurrency int
}

func NewGateway(client Client, contracts Contracts, log *logrus.Logger) *Gateway {
	return &Gateway{
		client:           client,
		contracts:        contracts,
		log:              log,
		fetchConcurrency: defaultFetchConcurrency,
	}
}

func (g *Gateway) Contracts() Contracts {
	return g.contracts
}

func (g *Gateway) GetUserLoans(ctx context.Context, owner Address) ([]LoanID, error) {
	ids, err := g.client.GetUserLoans(ctx, owner)
	return ids, Decode("getUserLoans", err)
}

func (g *Gateway) GetUserLoansCount(ctx context.Context, owner Address) (uint64, error) {
	n, err := g.client.GetUserLoansCount(ctx, owner)
	return n, Decode("getUserLoansCount", err)
}

func (g *Gateway) UserLoanAt(ctx context.Context, owner Address, index uint64) (LoanID, error) {
	id, err := g.client.UserLoanAt(ctx, owner, index)
	return id, Decode("userLoans", err)
}

func (g *Gateway) GetLoansCount(ctx context.Context) (uint64, error) {
	n, err := g.client.GetLoansCount(ctx)
	return n, Decode("getLoansCount", err)
}

func (g *Gateway) LoanAt(ctx context.Context, index uint64) (LoanID, error) {
	id, err := g.client.LoanAt(ctx, index)
	return id, Decode("allLoans", err)
}

func (g *Gateway) Loan(ctx context.Context, id LoanID) (*Loan, error) {
	loan, err := g.client.Loan(ctx, id)
	if err != nil {
		return nil, Decode("loans", err)
	}
	if loan.ID == "" {
		loan.ID = id
	}
	return loan, nil
}

// Loans fetches several loans, preferring the batch call and falling back to
// bounded concurrent single lookups when the deployment lacks it. The result
// is aligned with ids.
func (g *Gateway) Loans(ctx context.Context, ids []LoanID) ([]*Loan, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	loans, err := g.client.GetMultipleLoans(ctx, ids)
	if err == nil {
		if len(loans) != len(ids) {
			return nil, NewError(KindUnknown, "getMultipleLoans",
				fmt.Sprintf("expected %d loans, got %d", len(ids), len(loans)))
		}
		for i, loan := range loans {
			if loan != nil && loan.ID == "" {
				loan.ID = ids[i]
			}
		}
		return loans, nil
	}
	if err = Decode("getMultipleLoans", err); !IsKind(err, KindUnsupported) {
		return nil, err
	}

	g.log.WithField("count", len(ids)).Debug("getMultipleLoans unsupported, fetching loans individually")

	loans = make([]*Loan, len(ids))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.fetchConcurrency)
	for i, id := range ids {
		i, id := i, id
		eg.Go(func() error {
			loan, err := g.Loan(egCtx, id)
			if err != nil {
				return err
			}
			loans[i] = loan
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return loans, nil
}

func (g *Gateway) GetPendingLoans(ctx context.Context) ([]LoanID, error) {
	ids, err := g.client.GetPendingLoans(ctx)
	return ids, Decode("getPendingLoans", err)
}

func (g *Gateway) GetLoanDetails(ctx context.Context, id LoanID) (*LoanDetails, error) {
	details, err := g.client.GetLoanDetails(ctx, id)
	if err != nil {
		return nil, Decode("getLoanDetails", err)
	}
	if details.ID == "" {
		details.ID = id
	}
	return details, nil
}

func (g *Gateway) HasUserVoted(ctx context.Context, id LoanID, voter Address) (bool, error) {
	voted, err := g.client.HasUserVoted(ctx, id, voter)
	return voted, Decode("hasUserVoted", err)
}

func (g *Gateway) RequiredVotes(ctx context.Context) (uint64, error) {
	n, err := g.client.RequiredVotes(ctx)
	return n, Decode("requiredVotes", err)
}

func (g *Gateway) IsMember(ctx context.Context, addr Address) (bool, error) {
	ok, err := g.client.IsMember(ctx, addr)
	return ok, Decode("members", err)
}

func (g *Gateway) Owner(ctx context.Context) (Address, error) {
	owner, err := g.client.Owner(ctx)
	return NormalizeAddress(string(owner)), Decode("owner", err)
}

// IsMemberOrOwner treats the owner as an implicit member.
func (g *Gateway) IsMemberOrOwner(ctx context.Context, addr Address) (bool, error) {
	owner, err := g.Owner(ctx)
	if err != nil {
		return false, err
	}
	if owner.Equal(addr) {
		return true, nil
	}
	return g.IsMember(ctx, addr)
}

func (g *Gateway) HasCreditScore(ctx context.Context, addr Address) (bool, error) {
	ok, err := g.client.HasCreditScore(ctx, addr)
	return ok, Decode("hasCreditScore", err)
}

func (g *Gateway) GetCreditScore(ctx context.Context, addr Address) (int, error) {
	score, err := g.client.GetCreditScore(ctx, addr)
	return score, Decode("getCreditScore", err)
}

func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := g.client.BlockNumber(ctx)
	return n, Decode("blockNumber", err)
}

func (g *Gateway) Logs(ctx context.Context, filter LogFilter) ([]Event, error) {
	events, err := g.client.Logs(ctx, filter)
	return events, Decode("getLogs", err)
}

func (g *Gateway) Simulate(ctx context.Context, call *Call) error {
	return Decode("simulate "+string(call.Method), g.client.Simulate(ctx, call))
}

func (g *Gateway) Send(ctx context.Context, call *Call) (string, error) {
	hash, err := g.client.Send(ctx, call)
	return hash, Decode("send "+string(call.Method), err)
}

// WaitMined blocks until the transaction is final and maps a failed receipt
// onto KindReverted.
func (g *Gateway) WaitMined(ctx context.Context, txHash string) (*Receipt, error) {
	receipt, err := g.client.WaitMined(ctx, txHash)
	if err != nil {
		return nil, Decode("wait "+txHash, err)
	}
	if !receipt.Succeeded() {
		reason := receipt.RevertReason
		if reason == "" {
			reason = fmt.Sprintf("transaction %s reverted", txHash)
		}
		return receipt, NewError(KindReverted, "wait "+txHash, reason)
	}
	return receipt, nil
}

func (g *Gateway) Subscribe(ctx context.Context, contract string, types []EventType) (Subscription, error) {
	sub, err := g.client.Subscribe(ctx, contract, types)
	if err != nil {
		return nil, Decode("subscribe", err)
	}
	return sub, nil
}

func (g *Gateway) newCall(from Address, m Method, value *big.Int, args ...interface{}) *Call {
	if args == nil {
		args = []interface{}{}
	}
	return &Call{
		Contract: g.contracts.ForMethod(m),
		Method:   m,
		Args:     args,
		From:     from,
		Value:    value,
	}
}

func (g *Gateway) RequestLoanCall(from Address, amount *big.Int, durationDays uint64) *Call {
	return g.newCall(from, MethodRequestLoan, nil, amount.String(), durationDays)
}

func (g *Gateway) VoteCall(from Address, id LoanID, choice Choice) *Call {
	return g.newCall(from, MethodVoteOnLoan, nil, string(id), bool(choice))
}

func (g *Gateway) RejectCall(from Address, id LoanID) *Call {
	return g.newCall(from, MethodRejectLoan, nil, string(id))
}

func (g *Gateway) DisburseCall(from Address, id LoanID, value *big.Int) *Call {
	return g.newCall(from, MethodDisburseLoan, value, string(id))
}

func (g *Gateway) RepayCall(from Address, id LoanID, value *big.Int) *Call {
	return g.newCall(from, MethodRepayLoan, value, string(id))
}

func (g *Gateway) AddMemberCall(from Address, member Address) *Call {
	return g.newCall(from, MethodAddMember, nil, string(member))
}

func (g *Gateway) InitializeCreditScoreCall(from Address) *Call {
	return g.newCall(from, MethodInitializeCreditScore, nil)
}
