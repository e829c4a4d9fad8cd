/*
Package ledgertest provides an in-memory ledger.Client for tests.

The fake keeps loans, votes, members and credit scores, applies the effect
of a submitted call once WaitMined is called, and pushes events to any open
subscription. Individual calls can be made unsupported, made to fail, or
intercepted with a hook so tests can reproduce deployments with missing
enumeration calls, reverted transactions and slow responses.
*/
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/loansync/loansync/internal/ledger"
)

const InitialScore = 500

type Ledger struct {
	mu sync.Mutex

	owner    ledger.Address
	required uint64
	loans    map[ledger.LoanID]*ledger.LoanDetails
	order    []ledger.LoanID
	votes    map[ledger.LoanID]map[ledger.Address]ledger.Choice
	members  map[ledger.Address]bool
	scores   map[ledger.Address]int
	block    uint64
	logs     []ledger.Event

	unsupported  map[string]bool
	failures     map[string]error
	simulateErrs map[ledger.Method]error
	sendErr      error
	hooks        map[string]func()
	calls        map[string]int

	pending map[string]*ledger.Call
	sent    []ledger.Call
	nextTx  int

	subs []*subscription
}

var _ ledger.Client = (*Ledger)(nil)

func New(owner ledger.Address) *Ledger {
	return &Ledger{
		owner:        ledger.NormalizeAddress(string(owner)),
		required:     1,
		loans:        make(map[ledger.LoanID]*ledger.LoanDetails),
		votes:        make(map[ledger.LoanID]map[ledger.Address]ledger.Choice),
		members:      make(map[ledger.Address]bool),
		scores:       make(map[ledger.Address]int),
		block:        1,
		unsupported:  make(map[string]bool),
		failures:     make(map[string]error),
		simulateErrs: make(map[ledger.Method]error),
		hooks:        make(map[string]func()),
		calls:        make(map[string]int),
		pending:      make(map[string]*ledger.Call),
	}
}

// AddLoan stores a loan and returns its id. Loans without an id get the next
// sequential one.
func (l *Ledger) AddLoan(loan ledger.Loan) ledger.LoanID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addLoanLocked(loan)
}

func (l *Ledger) addLoanLocked(loan ledger.Loan) ledger.LoanID {
	if loan.ID == "" {
		loan.ID = ledger.LoanID(strconv.Itoa(len(l.order) + 1))
	}
	loan.Borrower = ledger.NormalizeAddress(string(loan.Borrower))
	if loan.Amount != nil {
		loan.Amount = new(big.Int).Set(loan.Amount)
	}
	l.loans[loan.ID] = &ledger.LoanDetails{Loan: loan}
	l.order = append(l.order, loan.ID)
	return loan.ID
}

func (l *Ledger) SetRequiredVotes(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.required = n
}

func (l *Ledger) SetMember(addr ledger.Address, member bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.members[ledger.NormalizeAddress(string(addr))] = member
}

func (l *Ledger) SetScore(addr ledger.Address, score int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scores[ledger.NormalizeAddress(string(addr))] = score
}

func (l *Ledger) SetBlock(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.block = n
}

func (l *Ledger) AddLog(ev ledger.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, ev)
}

// Unsupported makes the named calls fail as if the deployment did not expose them.
func (l *Ledger) Unsupported(fns ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, fn := range fns {
		l.unsupported[fn] = true
	}
}

// FailOn makes every invocation of fn return err.
func (l *Ledger) FailOn(fn string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[fn] = err
}

func (l *Ledger) FailSimulate(m ledger.Method, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.simulateErrs[m] = err
}

func (l *Ledger) FailSend(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

// OnCall runs hook, outside the fake's lock, each time fn is invoked.
func (l *Ledger) OnCall(fn string, hook func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks[fn] = hook
}

func (l *Ledger) Calls(fn string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[fn]
}

func (l *Ledger) Sent() []ledger.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ledger.Call, len(l.sent))
	copy(out, l.sent)
	return out
}

func (l *Ledger) LoanState(id ledger.LoanID) ledger.LoanDetails {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.loans[id]; ok {
		return copyDetails(d)
	}
	return ledger.LoanDetails{}
}

// Update mutates a stored loan in place, e.g. to model another client's write.
func (l *Ledger) Update(id ledger.LoanID, fn func(*ledger.LoanDetails)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.loans[id]; ok {
		fn(d)
	}
}

func (l *Ledger) begin(fn string) error {
	l.mu.Lock()
	l.calls[fn]++
	hook := l.hooks[fn]
	l.mu.Unlock()

	if hook != nil {
		hook()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unsupported[fn] {
		return ledger.NewError(ledger.KindUnsupported, fn, "the method "+fn+" does not exist/is not available")
	}
	if err := l.failures[fn]; err != nil {
		return err
	}
	return nil
}

func copyDetails(d *ledger.LoanDetails) ledger.LoanDetails {
	out := *d
	if d.Amount != nil {
		out.Amount = new(big.Int).Set(d.Amount)
	}
	return out
}

func (l *Ledger) userLoansLocked(owner ledger.Address) []ledger.LoanID {
	var ids []ledger.LoanID
	for _, id := range l.order {
		if l.loans[id].Borrower.Equal(owner) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (l *Ledger) GetUserLoans(ctx context.Context, owner ledger.Address) ([]ledger.LoanID, error) {
	if err := l.begin("getUserLoans"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.userLoansLocked(owner), nil
}

func (l *Ledger) GetUserLoansCount(ctx context.Context, owner ledger.Address) (uint64, error) {
	if err := l.begin("getUserLoansCount"); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.userLoansLocked(owner))), nil
}

func (l *Ledger) UserLoanAt(ctx context.Context, owner ledger.Address, index uint64) (ledger.LoanID, error) {
	if err := l.begin("userLoans"); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.userLoansLocked(owner)
	if index >= uint64(len(ids)) {
		return "", ledger.NewError(ledger.KindReverted, "userLoans", "index out of bounds")
	}
	return ids[index], nil
}

func (l *Ledger) GetLoansCount(ctx context.Context) (uint64, error) {
	if err := l.begin("getLoansCount"); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.order)), nil
}

func (l *Ledger) LoanAt(ctx context.Context, index uint64) (ledger.LoanID, error) {
	if err := l.begin("allLoans"); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if index >= uint64(len(l.order)) {
		return "", ledger.NewError(ledger.KindReverted, "allLoans", "index out of bounds")
	}
	return l.order[index], nil
}

// Loan answers unknown ids with a zero-valued record, as contract storage does.
func (l *Ledger) Loan(ctx context.Context, id ledger.LoanID) (*ledger.Loan, error) {
	if err := l.begin("loans"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.loans[id]
	if !ok {
		return &ledger.Loan{ID: id}, nil
	}
	out := copyDetails(d)
	return &out.Loan, nil
}

func (l *Ledger) GetMultipleLoans(ctx context.Context, ids []ledger.LoanID) ([]*ledger.Loan, error) {
	if err := l.begin("getMultipleLoans"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*ledger.Loan, len(ids))
	for i, id := range ids {
		if d, ok := l.loans[id]; ok {
			c := copyDetails(d)
			out[i] = &c.Loan
		} else {
			out[i] = &ledger.Loan{ID: id}
		}
	}
	return out, nil
}

func (l *Ledger) GetPendingLoans(ctx context.Context) ([]ledger.LoanID, error) {
	if err := l.begin("getPendingLoans"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []ledger.LoanID
	for _, id := range l.order {
		d := l.loans[id]
		if !d.IsApproved && !d.IsRejected {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (l *Ledger) GetLoanDetails(ctx context.Context, id ledger.LoanID) (*ledger.LoanDetails, error) {
	if err := l.begin("getLoanDetails"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.loans[id]
	if !ok {
		return nil, ledger.NewError(ledger.KindNoRecord, "getLoanDetails", "loan does not exist")
	}
	out := copyDetails(d)
	return &out, nil
}

func (l *Ledger) HasUserVoted(ctx context.Context, id ledger.LoanID, voter ledger.Address) (bool, error) {
	if err := l.begin("hasUserVoted"); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, voted := l.votes[id][ledger.NormalizeAddress(string(voter))]
	return voted, nil
}

func (l *Ledger) RequiredVotes(ctx context.Context) (uint64, error) {
	if err := l.begin("requiredVotes"); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.required, nil
}

func (l *Ledger) IsMember(ctx context.Context, addr ledger.Address) (bool, error) {
	if err := l.begin("members"); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.members[ledger.NormalizeAddress(string(addr))], nil
}

func (l *Ledger) Owner(ctx context.Context) (ledger.Address, error) {
	if err := l.begin("owner"); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner, nil
}

func (l *Ledger) HasCreditScore(ctx context.Context, addr ledger.Address) (bool, error) {
	if err := l.begin("hasCreditScore"); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.scores[ledger.NormalizeAddress(string(addr))]
	return ok, nil
}

func (l *Ledger) GetCreditScore(ctx context.Context, addr ledger.Address) (int, error) {
	if err := l.begin("getCreditScore"); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	score, ok := l.scores[ledger.NormalizeAddress(string(addr))]
	if !ok {
		return 0, ledger.NewError(ledger.KindNoRecord, "getCreditScore", "No credit score found")
	}
	return score, nil
}

func (l *Ledger) BlockNumber(ctx context.Context) (uint64, error) {
	if err := l.begin("blockNumber"); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block, nil
}

func (l *Ledger) Logs(ctx context.Context, filter ledger.LogFilter) ([]ledger.Event, error) {
	if err := l.begin("getLogs"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	want := make(map[ledger.EventType]bool, len(filter.Types))
	for _, t := range filter.Types {
		want[t] = true
	}

	var out []ledger.Event
	for _, ev := range l.logs {
		if ev.BlockNumber < filter.FromBlock || ev.BlockNumber > filter.ToBlock {
			continue
		}
		if len(want) > 0 && !want[ev.Type] {
			continue
		}
		if filter.Contract != "" && ev.Contract != "" && ev.Contract != filter.Contract {
			continue
		}
		if filter.Address != "" && !ev.Address.Equal(filter.Address) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (l *Ledger) Simulate(ctx context.Context, call *ledger.Call) error {
	if err := l.begin("simulate"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.simulateErrs[call.Method]; err != nil {
		return err
	}
	if reason := l.checkLocked(call); reason != "" {
		return ledger.NewError(ledger.KindReverted, "simulate", reason)
	}
	return nil
}

func (l *Ledger) Send(ctx context.Context, call *ledger.Call) (string, error) {
	if err := l.begin("send"); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return "", l.sendErr
	}
	l.nextTx++
	hash := fmt.Sprintf("0x%064x", l.nextTx)
	c := *call
	l.pending[hash] = &c
	l.sent = append(l.sent, c)
	return hash, nil
}

// WaitMined confirms the transaction, applying its effect in a new block.
func (l *Ledger) WaitMined(ctx context.Context, txHash string) (*ledger.Receipt, error) {
	if err := l.begin("waitMined"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	call, ok := l.pending[txHash]
	if !ok {
		return nil, ledger.NewError(ledger.KindNoRecord, "waitMined", "transaction not found")
	}
	delete(l.pending, txHash)

	l.block++
	receipt := &ledger.Receipt{TxHash: txHash, BlockNumber: l.block, Status: 1}
	if reason := l.checkLocked(call); reason != "" {
		receipt.Status = 0
		receipt.RevertReason = reason
		return receipt, nil
	}
	l.applyLocked(call, txHash)
	return receipt, nil
}

func argID(call *ledger.Call) ledger.LoanID {
	if len(call.Args) == 0 {
		return ""
	}
	return ledger.LoanID(fmt.Sprint(call.Args[0]))
}

// checkLocked mirrors the contract's require() guards.
func (l *Ledger) checkLocked(call *ledger.Call) string {
	from := ledger.NormalizeAddress(string(call.From))
	switch call.Method {
	case ledger.MethodVoteOnLoan:
		d, ok := l.loans[argID(call)]
		if !ok {
			return "Loan does not exist"
		}
		if d.IsApproved {
			return "Loan already approved"
		}
		if _, voted := l.votes[d.ID][from]; voted {
			return "Already voted"
		}
	case ledger.MethodRepayLoan:
		d, ok := l.loans[argID(call)]
		if !ok {
			return "Loan does not exist"
		}
		if !d.IsApproved {
			return "Loan not approved"
		}
		if d.IsPaid {
			return "Loan already repaid"
		}
		if call.Value == nil || call.Value.Cmp(d.Amount) < 0 {
			return "Incorrect repayment amount"
		}
	case ledger.MethodRejectLoan, ledger.MethodDisburseLoan:
		d, ok := l.loans[argID(call)]
		if !ok {
			return "Loan does not exist"
		}
		if call.Method == ledger.MethodDisburseLoan && !d.IsApproved {
			return "Loan not approved"
		}
	case ledger.MethodAddMember:
		if !from.Equal(l.owner) {
			return "Only owner can add members"
		}
	case ledger.MethodInitializeCreditScore:
		if _, ok := l.scores[from]; ok {
			return "Credit score already initialized"
		}
	}
	return ""
}

func (l *Ledger) applyLocked(call *ledger.Call, txHash string) {
	from := ledger.NormalizeAddress(string(call.From))
	contract := call.Contract

	switch call.Method {
	case ledger.MethodRequestLoan:
		amount, _ := new(big.Int).SetString(fmt.Sprint(call.Args[0]), 10)
		days, _ := strconv.ParseUint(fmt.Sprint(call.Args[1]), 10, 64)
		id := l.addLoanLocked(ledger.Loan{
			Borrower:       from,
			Amount:         amount,
			RepaymentDueAt: time.Unix(0, 0).Add(time.Duration(l.block) * time.Second).Add(time.Duration(days) * 24 * time.Hour),
		})
		l.emitLocked(ledger.Event{Type: ledger.EventLoanRequested, Contract: contract, LoanID: id, Address: from, BlockNumber: l.block, TxHash: txHash})
	case ledger.MethodVoteOnLoan:
		id := argID(call)
		approve, _ := call.Args[1].(bool)
		if l.votes[id] == nil {
			l.votes[id] = make(map[ledger.Address]ledger.Choice)
		}
		l.votes[id][from] = ledger.Choice(approve)
		d := l.loans[id]
		if approve {
			d.VoteCount++
			if d.VoteCount >= l.required {
				d.IsApproved = true
			}
		}
	case ledger.MethodRejectLoan:
		l.loans[argID(call)].IsRejected = true
	case ledger.MethodRepayLoan:
		d := l.loans[argID(call)]
		d.IsPaid = true
		l.emitLocked(ledger.Event{Type: ledger.EventLoanRepaid, Contract: contract, LoanID: d.ID, BlockNumber: l.block, TxHash: txHash})
		if score, ok := l.scores[d.Borrower]; ok {
			score += 10
			if score > ledger.MaxScore {
				score = ledger.MaxScore
			}
			l.scores[d.Borrower] = score
		} else {
			l.scores[d.Borrower] = InitialScore
		}
		l.emitLocked(ledger.Event{Type: ledger.EventCreditScoreUpdated, Contract: contract, Address: d.Borrower, Score: l.scores[d.Borrower], BlockNumber: l.block, TxHash: txHash})
	case ledger.MethodAddMember:
		member := ledger.NormalizeAddress(fmt.Sprint(call.Args[0]))
		l.members[member] = true
		l.emitLocked(ledger.Event{Type: ledger.EventMemberAdded, Contract: contract, Address: member, BlockNumber: l.block, TxHash: txHash})
	case ledger.MethodInitializeCreditScore:
		l.scores[from] = InitialScore
		l.emitLocked(ledger.Event{Type: ledger.EventCreditScoreUpdated, Contract: contract, Address: from, Score: InitialScore, BlockNumber: l.block, TxHash: txHash})
	}
}
