// Package rpc implements ledger.Client over a JSON-RPC 2.0 gateway node.
//
// Reads are issued as ledger_call with the contract function name and its
// arguments. Writes go through ledger_estimate (dry-run), ledger_send and
// ledger_getReceipt. Push events arrive over a websocket subscription, see
// stream.go.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/loansync/loansync/internal/ledger"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	URL          string
	WSURL        string
	Contracts    ledger.Contracts
	Timeout      time.Duration
	PollInterval time.Duration
}

type Client struct {
	url          string
	contracts    ledger.Contracts
	httpClient   HTTPClient
	pollInterval time.Duration
	stream       *Stream
	nextID       atomic.Uint64
}

var _ ledger.Client = (*Client)(nil)

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return NewWithHTTPClient(cfg, &http.Client{Timeout: timeout})
}

func NewWithHTTPClient(cfg Config, httpClient HTTPClient) *Client {
	poll := cfg.PollInterval
	if poll == 0 {
		poll = 2 * time.Second
	}
	c := &Client{
		url:          cfg.URL,
		contracts:    cfg.Contracts,
		httpClient:   httpClient,
		pollInterval: poll,
	}
	if cfg.WSURL != "" {
		c.stream = NewStream(cfg.WSURL)
	}
	return c
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (e *rpcError) dataString() string {
	if len(e.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

func (c *Client) do(ctx context.Context, op, method string, params interface{}, result interface{}) error {
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal RPC request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create RPC request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ledger.WrapError(ledger.KindConnectionUnavailable, op, err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return ledger.WrapError(ledger.KindConnectionUnavailable, op, err)
	}
	if resp.StatusCode >= 500 {
		return ledger.NewError(ledger.KindConnectionUnavailable, op, fmt.Sprintf("gateway returned status %d", resp.StatusCode))
	}

	var rpcResp response
	if err := json.Unmarshal(respBytes, &rpcResp); err != nil {
		return fmt.Errorf("failed to parse RPC response: %w (body: %s)", err, string(respBytes))
	}
	if rpcResp.Error != nil {
		return ledger.DecodeRPCError(op, rpcResp.Error.Code, rpcResp.Error.Message, rpcResp.Error.dataString())
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", op, err)
	}
	return nil
}

type callParams struct {
	To       string        `json:"to"`
	Function string        `json:"function"`
	Args     []interface{} `json:"args"`
}

func (c *Client) call(ctx context.Context, contract, function string, result interface{}, args ...interface{}) error {
	if args == nil {
		args = []interface{}{}
	}
	return c.do(ctx, function, "ledger_call", callParams{To: contract, Function: function, Args: args}, result)
}

type loanJSON struct {
	ID           string `json:"id"`
	Borrower     string `json:"borrower"`
	Amount       string `json:"amount"`
	RepaymentDue int64  `json:"repaymentDue"`
	IsApproved   bool   `json:"isApproved"`
	IsPaid       bool   `json:"isPaid"`
	IsRejected   bool   `json:"isRejected"`
	Votes        uint64 `json:"votes"`
}

func (l *loanJSON) toLoan(fallback ledger.LoanID) (*ledger.Loan, error) {
	amount := new(big.Int)
	if l.Amount != "" {
		if _, ok := amount.SetString(l.Amount, 0); !ok {
			return nil, fmt.Errorf("invalid loan amount %q", l.Amount)
		}
	}
	id := ledger.LoanID(l.ID)
	if id == "" {
		id = fallback
	}
	loan := &ledger.Loan{
		ID:         id,
		Borrower:   ledger.NormalizeAddress(l.Borrower),
		Amount:     amount,
		IsApproved: l.IsApproved,
		IsPaid:     l.IsPaid,
		VoteCount:  l.Votes,
	}
	if l.RepaymentDue > 0 {
		loan.RepaymentDueAt = time.Unix(l.RepaymentDue, 0).UTC()
	}
	return loan, nil
}

// quantity accepts both JSON numbers and decimal or 0x-prefixed strings.
type quantity uint64

func (q *quantity) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n uint64
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*q = quantity(n)
		return nil
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	*q = quantity(n)
	return nil
}

func toIDs(raw []string) []ledger.LoanID {
	ids := make([]ledger.LoanID, len(raw))
	for i, s := range raw {
		ids[i] = ledger.LoanID(s)
	}
	return ids
}

func (c *Client) GetUserLoans(ctx context.Context, owner ledger.Address) ([]ledger.LoanID, error) {
	var raw []string
	if err := c.call(ctx, c.contracts.Loan, "getUserLoans", &raw, owner); err != nil {
		return nil, err
	}
	return toIDs(raw), nil
}

func (c *Client) GetUserLoansCount(ctx context.Context, owner ledger.Address) (uint64, error) {
	var n quantity
	err := c.call(ctx, c.contracts.Loan, "getUserLoansCount", &n, owner)
	return uint64(n), err
}

func (c *Client) UserLoanAt(ctx context.Context, owner ledger.Address, index uint64) (ledger.LoanID, error) {
	var id string
	err := c.call(ctx, c.contracts.Loan, "userLoans", &id, owner, index)
	return ledger.LoanID(id), err
}

func (c *Client) GetLoansCount(ctx context.Context) (uint64, error) {
	var n quantity
	err := c.call(ctx, c.contracts.Loan, "getLoansCount", &n)
	return uint64(n), err
}

func (c *Client) LoanAt(ctx context.Context, index uint64) (ledger.LoanID, error) {
	var id string
	err := c.call(ctx, c.contracts.Loan, "allLoans", &id, index)
	return ledger.LoanID(id), err
}

func (c *Client) Loan(ctx context.Context, id ledger.LoanID) (*ledger.Loan, error) {
	var raw loanJSON
	if err := c.call(ctx, c.contracts.Loan, "loans", &raw, id); err != nil {
		return nil, err
	}
	return raw.toLoan(id)
}

func (c *Client) GetMultipleLoans(ctx context.Context, ids []ledger.LoanID) ([]*ledger.Loan, error) {
	var raw []loanJSON
	if err := c.call(ctx, c.contracts.Loan, "getMultipleLoans", &raw, ids); err != nil {
		return nil, err
	}
	loans := make([]*ledger.Loan, len(raw))
	for i := range raw {
		var fallback ledger.LoanID
		if i < len(ids) {
			fallback = ids[i]
		}
		loan, err := raw[i].toLoan(fallback)
		if err != nil {
			return nil, err
		}
		loans[i] = loan
	}
	return loans, nil
}

func (c *Client) GetPendingLoans(ctx context.Context) ([]ledger.LoanID, error) {
	var raw []string
	if err := c.call(ctx, c.contracts.Loan, "getPendingLoans", &raw); err != nil {
		return nil, err
	}
	return toIDs(raw), nil
}

func (c *Client) GetLoanDetails(ctx context.Context, id ledger.LoanID) (*ledger.LoanDetails, error) {
	var raw loanJSON
	if err := c.call(ctx, c.contracts.Loan, "getLoanDetails", &raw, id); err != nil {
		return nil, err
	}
	loan, err := raw.toLoan(id)
	if err != nil {
		return nil, err
	}
	return &ledger.LoanDetails{Loan: *loan, IsRejected: raw.IsRejected}, nil
}

func (c *Client) HasUserVoted(ctx context.Context, id ledger.LoanID, voter ledger.Address) (bool, error) {
	var voted bool
	err := c.call(ctx, c.contracts.Loan, "hasUserVoted", &voted, id, voter)
	return voted, err
}

func (c *Client) RequiredVotes(ctx context.Context) (uint64, error) {
	var n quantity
	err := c.call(ctx, c.contracts.Loan, "requiredVotes", &n)
	return uint64(n), err
}

func (c *Client) IsMember(ctx context.Context, addr ledger.Address) (bool, error) {
	var ok bool
	err := c.call(ctx, c.contracts.MemberContract(), "members", &ok, addr)
	return ok, err
}

func (c *Client) Owner(ctx context.Context) (ledger.Address, error) {
	var owner string
	err := c.call(ctx, c.contracts.MemberContract(), "owner", &owner)
	return ledger.NormalizeAddress(owner), err
}

func (c *Client) HasCreditScore(ctx context.Context, addr ledger.Address) (bool, error) {
	var ok bool
	err := c.call(ctx, c.contracts.ScoreContract(), "hasCreditScore", &ok, addr)
	return ok, err
}

func (c *Client) GetCreditScore(ctx context.Context, addr ledger.Address) (int, error) {
	var score quantity
	err := c.call(ctx, c.contracts.ScoreContract(), "getCreditScore", &score, addr)
	return int(score), err
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n quantity
	err := c.do(ctx, "blockNumber", "ledger_blockNumber", []interface{}{}, &n)
	return uint64(n), err
}

type logsParams struct {
	Address   string   `json:"address"`
	FromBlock uint64   `json:"fromBlock"`
	ToBlock   uint64   `json:"toBlock"`
	Events    []string `json:"events,omitempty"`
	Topic     string   `json:"topic,omitempty"`
}

func (c *Client) Logs(ctx context.Context, filter ledger.LogFilter) ([]ledger.Event, error) {
	contract := filter.Contract
	if contract == "" {
		contract = c.contracts.Loan
	}
	params := logsParams{
		Address:   contract,
		FromBlock: filter.FromBlock,
		ToBlock:   filter.ToBlock,
		Topic:     string(filter.Address),
	}
	for _, t := range filter.Types {
		params.Events = append(params.Events, string(t))
	}

	var raw []eventJSON
	if err := c.do(ctx, "getLogs", "ledger_getLogs", []interface{}{params}, &raw); err != nil {
		return nil, err
	}
	events := make([]ledger.Event, 0, len(raw))
	for i := range raw {
		events = append(events, raw[i].toEvent())
	}
	return events, nil
}

type txParams struct {
	To       string        `json:"to"`
	From     string        `json:"from"`
	Function string        `json:"function"`
	Args     []interface{} `json:"args"`
	Value    string        `json:"value,omitempty"`
}

func toTxParams(call *ledger.Call) txParams {
	p := txParams{
		To:       call.Contract,
		From:     string(call.From),
		Function: string(call.Method),
		Args:     call.Args,
	}
	if call.Value != nil {
		p.Value = call.Value.String()
	}
	return p
}

func (c *Client) Simulate(ctx context.Context, call *ledger.Call) error {
	var gas quantity
	return c.do(ctx, "simulate "+string(call.Method), "ledger_estimate", []interface{}{toTxParams(call)}, &gas)
}

func (c *Client) Send(ctx context.Context, call *ledger.Call) (string, error) {
	var hash string
	err := c.do(ctx, "send "+string(call.Method), "ledger_send", []interface{}{toTxParams(call)}, &hash)
	return hash, err
}

type receiptJSON struct {
	TxHash       string   `json:"transactionHash"`
	BlockNumber  quantity `json:"blockNumber"`
	Status       quantity `json:"status"`
	RevertReason string   `json:"revertReason"`
}

// WaitMined polls for the receipt until it appears or ctx ends.
func (c *Client) WaitMined(ctx context.Context, txHash string) (*ledger.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var raw *receiptJSON
		if err := c.do(ctx, "getReceipt", "ledger_getReceipt", []interface{}{txHash}, &raw); err != nil {
			return nil, err
		}
		if raw != nil {
			return &ledger.Receipt{
				TxHash:       raw.TxHash,
				BlockNumber:  uint64(raw.BlockNumber),
				Status:       uint64(raw.Status),
				RevertReason: raw.RevertReason,
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ledger.WrapError(ledger.KindConnectionUnavailable, "wait "+txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) Subscribe(ctx context.Context, contract string, types []ledger.EventType) (ledger.Subscription, error) {
	if c.stream == nil {
		return nil, ledger.NewError(ledger.KindUnsupported, "subscribe", "no websocket endpoint configured")
	}
	return c.stream.Subscribe(ctx, contract, types)
}
