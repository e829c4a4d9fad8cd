// Package write submits state-changing ledger operations. Every submission is
// dry-run first and is only sent if the dry-run passes; it is then tracked to
// confirmation. Submissions from one client are processed in FIFO order.
package write

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loansync/loansync/internal/ledger"
	"github.com/loansync/loansync/internal/quorum"
	"github.com/loansync/loansync/internal/state"
)

const defaultPreflightReason = "Please check your inputs and try again"

type Params struct {
	LoanID       ledger.LoanID
	Amount       *big.Int
	DurationDays uint64
	Choice       ledger.Choice
	Member       ledger.Address
}

type TransactionResult struct {
	Operation   ledger.Method `json:"operation"`
	TxHash      string        `json:"tx_hash"`
	BlockNumber uint64        `json:"block_number"`
	LoanID      ledger.LoanID `json:"loan_id,omitempty"`
	Epoch       uint64        `json:"-"`
}

// ConfirmedFunc is called after a submission is confirmed, outside the
// submission queue.
type ConfirmedFunc func(ctx context.Context, res *TransactionResult, params Params)

type Coordinator struct {
	gw      *ledger.Gateway
	quorum  *quorum.Tracker
	state   *state.State
	log     *logrus.Logger
	metrics *Metrics

	queue fifo

	mu          sync.RWMutex
	from        ledger.Address
	onConfirmed ConfirmedFunc
}

type Option func(*Coordinator)

// WithState enables optimistic updates against st.
func WithState(st *state.State) Option {
	return func(c *Coordinator) { c.state = st }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(gw *ledger.Gateway, tracker *quorum.Tracker, log *logrus.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		gw:      gw,
		quorum:  tracker,
		log:     log,
		metrics: NopMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetSender sets the account submissions are sent from.
func (c *Coordinator) SetSender(from ledger.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.from = ledger.NormalizeAddress(string(from))
}

func (c *Coordinator) Sender() ledger.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.from
}

func (c *Coordinator) OnConfirmed(fn ConfirmedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConfirmed = fn
}

func preflightError(op ledger.Method, format string, args ...interface{}) error {
	return ledger.NewError(ledger.KindPreflightRejected, string(op), fmt.Sprintf(format, args...))
}

// build validates params and turns them into a call.
func (c *Coordinator) build(ctx context.Context, from ledger.Address, op ledger.Method, p Params) (*ledger.Call, error) {
	if from == "" {
		return nil, ledger.NewError(ledger.KindConnectionUnavailable, string(op), "no account connected")
	}

	needsLoan := op == ledger.MethodVoteOnLoan || op == ledger.MethodRejectLoan ||
		op == ledger.MethodDisburseLoan || op == ledger.MethodRepayLoan
	if needsLoan && p.LoanID == "" {
		return nil, preflightError(op, "loan id is required")
	}

	switch op {
	case ledger.MethodRequestLoan:
		if p.Amount == nil || p.Amount.Sign() <= 0 {
			return nil, preflightError(op, "Please enter a valid amount")
		}
		if p.DurationDays == 0 {
			return nil, preflightError(op, "duration must be at least one day")
		}
		return c.gw.RequestLoanCall(from, p.Amount, p.DurationDays), nil
	case ledger.MethodVoteOnLoan:
		return c.gw.VoteCall(from, p.LoanID, p.Choice), nil
	case ledger.MethodRejectLoan:
		return c.gw.RejectCall(from, p.LoanID), nil
	case ledger.MethodDisburseLoan, ledger.MethodRepayLoan:
		value := p.Amount
		if value == nil {
			loan, err := c.gw.Loan(ctx, p.LoanID)
			if err != nil {
				return nil, err
			}
			if !loan.Exists() {
				return nil, preflightError(op, "Loan does not exist")
			}
			value = loan.Amount
		}
		if value.Sign() <= 0 {
			return nil, preflightError(op, "amount must be positive")
		}
		if op == ledger.MethodRepayLoan {
			return c.gw.RepayCall(from, p.LoanID, value), nil
		}
		return c.gw.DisburseCall(from, p.LoanID, value), nil
	case ledger.MethodAddMember:
		if !ledger.IsAddress(string(p.Member)) {
			return nil, preflightError(op, "invalid member address %q", p.Member)
		}
		return c.gw.AddMemberCall(from, ledger.NormalizeAddress(string(p.Member))), nil
	case ledger.MethodInitializeCreditScore:
		return c.gw.InitializeCreditScoreCall(from), nil
	default:
		return nil, ledger.NewError(ledger.KindUnsupported, string(op), "unknown operation")
	}
}

// guard runs the client-side checks that spare a doomed submission.
func (c *Coordinator) guard(ctx context.Context, from ledger.Address, op ledger.Method, p Params) error {
	switch op {
	case ledger.MethodVoteOnLoan:
		if c.quorum != nil {
			return c.quorum.CheckVote(ctx, p.LoanID, from)
		}
	case ledger.MethodAddMember:
		owner, err := c.gw.Owner(ctx)
		if err != nil {
			return err
		}
		if !owner.Equal(from) {
			return preflightError(op, "Only owner can add members")
		}
	}
	return nil
}

func (c *Coordinator) tentative(epoch uint64, op ledger.Method, p Params) *state.Change {
	if c.state == nil {
		return nil
	}
	switch op {
	case ledger.MethodRepayLoan:
		return c.state.TentativeRepay(epoch, p.LoanID)
	case ledger.MethodVoteOnLoan:
		return c.state.TentativeVote(epoch, p.LoanID, p.Choice)
	case ledger.MethodAddMember:
		return c.state.TentativeMember(epoch, p.Member)
	}
	return nil
}

// Submit dry-runs, sends and confirms op. A failed dry-run is reported as
// KindPreflightRejected and nothing is sent. A signer refusal keeps
// KindUserRejected, a lost connection keeps KindConnectionUnavailable, and
// every other failure after submit is KindReverted. Any optimistic change is
// rolled back.
func (c *Coordinator) Submit(ctx context.Context, op ledger.Method, p Params) (*TransactionResult, error) {
	if err := c.queue.acquire(ctx); err != nil {
		return nil, ledger.Decode(string(op), err)
	}
	res, err := c.submitLocked(ctx, op, p)
	c.queue.release()

	c.metrics.Submissions.With("operation", string(op), "outcome", outcome(err)).Add(1)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	hook := c.onConfirmed
	c.mu.RUnlock()
	if hook != nil {
		hook(ctx, res, p)
	}
	return res, nil
}

func outcome(err error) string {
	if err == nil {
		return "confirmed"
	}
	return ledger.KindOf(err).String()
}

func (c *Coordinator) submitLocked(ctx context.Context, op ledger.Method, p Params) (*TransactionResult, error) {
	start := time.Now()
	from := c.Sender()
	var epoch uint64
	if c.state != nil {
		epoch = c.state.Epoch()
	}

	logger := c.log.WithFields(logrus.Fields{
		"operation": op,
		"from":      from,
		"loan_id":   p.LoanID,
		"epoch":     epoch,
	})

	call, err := c.build(ctx, from, op, p)
	if err != nil {
		return nil, err
	}
	if err := c.guard(ctx, from, op, p); err != nil {
		logger.WithError(err).Info("submission blocked before dry-run")
		return nil, err
	}

	if err := c.gw.Simulate(ctx, call); err != nil {
		if ledger.IsKind(err, ledger.KindConnectionUnavailable) || ledger.IsKind(err, ledger.KindUserRejected) {
			return nil, err
		}
		reason := ledger.ReasonOf(err)
		if reason == "" {
			reason = defaultPreflightReason
		}
		logger.WithField("reason", reason).Info("dry-run rejected, not submitting")
		return nil, &ledger.Error{Kind: ledger.KindPreflightRejected, Op: string(op), Reason: reason, Err: err}
	}

	change := c.tentative(epoch, op, p)
	rollback := func() {
		if change != nil {
			change.Rollback()
			c.metrics.Rollbacks.With("operation", string(op)).Add(1)
		}
	}

	txHash, err := c.gw.Send(ctx, call)
	if err != nil {
		rollback()
		if ledger.IsKind(err, ledger.KindUserRejected) {
			logger.Info("submission cancelled by signer")
		} else {
			logger.WithError(err).Warn("submission failed")
		}
		return nil, failed(op, err)
	}
	logger = logger.WithField("tx_hash", txHash)
	logger.Debug("submitted, awaiting confirmation")

	receipt, err := c.gw.WaitMined(ctx, txHash)
	if err != nil {
		rollback()
		logger.WithError(err).Warn("transaction failed")
		return nil, failed(op, err)
	}
	change.Commit()

	c.metrics.ConfirmSeconds.With("operation", string(op)).Observe(time.Since(start).Seconds())
	logger.WithField("block", receipt.BlockNumber).Info("transaction confirmed")

	return &TransactionResult{
		Operation:   op,
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber,
		LoanID:      p.LoanID,
		Epoch:       epoch,
	}, nil
}

// failed narrows a post-submit failure to the kinds a caller can act on.
// Anything that is not a cancellation or a lost connection counts as a
// revert.
func failed(op ledger.Method, err error) error {
	switch ledger.KindOf(err) {
	case ledger.KindUserRejected, ledger.KindConnectionUnavailable, ledger.KindReverted:
		return err
	}
	return &ledger.Error{Kind: ledger.KindReverted, Op: string(op), Reason: ledger.ReasonOf(err), Err: err}
}

func (c *Coordinator) RequestLoan(ctx context.Context, amount *big.Int, durationDays uint64) (*TransactionResult, error) {
	return c.Submit(ctx, ledger.MethodRequestLoan, Params{Amount: amount, DurationDays: durationDays})
}

func (c *Coordinator) Vote(ctx context.Context, id ledger.LoanID, choice ledger.Choice) (*TransactionResult, error) {
	return c.Submit(ctx, ledger.MethodVoteOnLoan, Params{LoanID: id, Choice: choice})
}

func (c *Coordinator) Reject(ctx context.Context, id ledger.LoanID) (*TransactionResult, error) {
	return c.Submit(ctx, ledger.MethodRejectLoan, Params{LoanID: id})
}

func (c *Coordinator) Disburse(ctx context.Context, id ledger.LoanID, amount *big.Int) (*TransactionResult, error) {
	return c.Submit(ctx, ledger.MethodDisburseLoan, Params{LoanID: id, Amount: amount})
}

// Repay pays back the loan. A nil amount repays the full loan amount.
func (c *Coordinator) Repay(ctx context.Context, id ledger.LoanID, amount *big.Int) (*TransactionResult, error) {
	return c.Submit(ctx, ledger.MethodRepayLoan, Params{LoanID: id, Amount: amount})
}

func (c *Coordinator) AddMember(ctx context.Context, member ledger.Address) (*TransactionResult, error) {
	return c.Submit(ctx, ledger.MethodAddMember, Params{Member: member})
}

func (c *Coordinator) InitializeCreditScore(ctx context.Context) (*TransactionResult, error) {
	return c.Submit(ctx, ledger.MethodInitializeCreditScore, Params{})
}
