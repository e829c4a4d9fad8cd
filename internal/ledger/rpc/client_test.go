package rpc

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loansync/loansync/internal/ledger"
)

const (
	loanContract  = "0x00000000000000000000000000000000000000aa"
	daoContract   = "0x00000000000000000000000000000000000000bb"
	scoreContract = "0x00000000000000000000000000000000000000cc"
	borrower      = "0x1111111111111111111111111111111111111111"
)

type rpcCall struct {
	Method string
	Params json.RawMessage
}

// gatewayHandler answers JSON-RPC requests from a per-method table.
type gatewayHandler struct {
	mu      sync.Mutex
	calls   []rpcCall
	answers map[string]func(params json.RawMessage) (interface{}, *rpcError)
}

func newGatewayHandler() *gatewayHandler {
	return &gatewayHandler{answers: make(map[string]func(json.RawMessage) (interface{}, *rpcError))}
}

func (h *gatewayHandler) on(key string, fn func(params json.RawMessage) (interface{}, *rpcError)) {
	h.answers[key] = fn
}

func (h *gatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := req.Method
	if req.Method == "ledger_call" {
		var p callParams
		_ = json.Unmarshal(req.Params, &p)
		key = p.To + "." + p.Function
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, rpcCall{Method: key, Params: req.Params})
	fn, ok := h.answers[key]

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if !ok {
		resp["error"] = rpcError{Code: -32601, Message: "the method " + key + " does not exist/is not available"}
	} else if result, rpcErr := fn(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *gatewayHandler) count(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Method == key {
			n++
		}
	}
	return n
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		URL:          srv.URL,
		Contracts:    ledger.Contracts{Loan: loanContract, DAO: daoContract, CreditScore: scoreContract},
		PollInterval: 10 * time.Millisecond,
	})
}

func constant(v interface{}) func(json.RawMessage) (interface{}, *rpcError) {
	return func(json.RawMessage) (interface{}, *rpcError) { return v, nil }
}

func TestClientReads(t *testing.T) {
	h := newGatewayHandler()
	h.on(loanContract+".getUserLoans", constant([]string{"1", "4"}))
	h.on(loanContract+".getLoansCount", constant("0x7"))
	h.on(loanContract+".requiredVotes", constant(2))
	h.on(loanContract+".loans", constant(map[string]interface{}{
		"borrower":     strings.ToUpper(borrower[:2]) + borrower[2:],
		"amount":       "1500000000000000000",
		"repaymentDue": 1700000000,
		"isApproved":   true,
	}))
	h.on(daoContract+".owner", constant("0xABCDEF0000000000000000000000000000000001"))
	h.on(scoreContract+".getCreditScore", constant(640))
	h.on("ledger_blockNumber", constant("12345"))
	c := newTestClient(t, h)
	ctx := context.Background()

	ids, err := c.GetUserLoans(ctx, borrower)
	require.NoError(t, err)
	assert.Equal(t, []ledger.LoanID{"1", "4"}, ids)

	count, err := c.GetLoansCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 7, count)

	required, err := c.RequiredVotes(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, required)

	loan, err := c.Loan(ctx, "4")
	require.NoError(t, err)
	assert.Equal(t, ledger.LoanID("4"), loan.ID)
	assert.Equal(t, ledger.Address(borrower), loan.Borrower)
	assert.Equal(t, 0, loan.Amount.Cmp(big.NewInt(1_500_000_000_000_000_000)))
	assert.True(t, loan.IsApproved)
	assert.Equal(t, int64(1700000000), loan.RepaymentDueAt.Unix())

	owner, err := c.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.Address("0xabcdef0000000000000000000000000000000001"), owner)

	score, err := c.GetCreditScore(ctx, borrower)
	require.NoError(t, err)
	assert.Equal(t, 640, score)

	block, err := c.BlockNumber(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 12345, block)
}

func TestClientDecodesErrors(t *testing.T) {
	h := newGatewayHandler()
	h.on(scoreContract+".getCreditScore", func(json.RawMessage) (interface{}, *rpcError) {
		return nil, &rpcError{Code: 3, Message: "execution reverted: No credit score found"}
	})
	h.on("ledger_estimate", func(json.RawMessage) (interface{}, *rpcError) {
		return nil, &rpcError{Code: 3, Message: "execution reverted", Data: json.RawMessage(`"Already voted"`)}
	})
	h.on("ledger_send", func(json.RawMessage) (interface{}, *rpcError) {
		return nil, &rpcError{Code: 4001, Message: "User denied transaction signature"}
	})
	c := newTestClient(t, h)
	ctx := context.Background()

	_, err := c.GetCreditScore(ctx, borrower)
	assert.True(t, ledger.IsKind(err, ledger.KindNoRecord))

	_, err = c.GetMultipleLoans(ctx, []ledger.LoanID{"1"})
	assert.True(t, ledger.IsKind(err, ledger.KindUnsupported))

	call := &ledger.Call{Contract: loanContract, Method: ledger.MethodVoteOnLoan, Args: []interface{}{"1", true}, From: borrower}
	err = c.Simulate(ctx, call)
	assert.True(t, ledger.IsKind(err, ledger.KindReverted))
	assert.Equal(t, "Already voted", ledger.ReasonOf(err))

	_, err = c.Send(ctx, call)
	assert.True(t, ledger.IsKind(err, ledger.KindUserRejected))
}

func TestClientUnreachableGateway(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{URL: url, Contracts: ledger.Contracts{Loan: loanContract}})
	_, err := c.GetLoansCount(context.Background())
	assert.True(t, ledger.IsKind(err, ledger.KindConnectionUnavailable))
}

func TestClientSend(t *testing.T) {
	h := newGatewayHandler()
	var sent txParams
	h.on("ledger_send", func(params json.RawMessage) (interface{}, *rpcError) {
		var p []txParams
		_ = json.Unmarshal(params, &p)
		sent = p[0]
		return "0xfeed", nil
	})
	c := newTestClient(t, h)
	ctx := context.Background()

	call := &ledger.Call{
		Contract: loanContract,
		Method:   ledger.MethodRepayLoan,
		Args:     []interface{}{"3"},
		From:     borrower,
		Value:    big.NewInt(42),
	}
	hash, err := c.Send(ctx, call)
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", hash)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, "repayLoan", sent.Function)
	assert.Equal(t, "42", sent.Value)
	assert.Equal(t, borrower, sent.From)
}

func TestClientWaitMinedPollsForReceipt(t *testing.T) {
	h := newGatewayHandler()
	polls := 0
	h.on("ledger_getReceipt", func(json.RawMessage) (interface{}, *rpcError) {
		polls++
		if polls < 3 {
			return nil, nil
		}
		return map[string]interface{}{"transactionHash": "0xfeed", "blockNumber": "0x10", "status": 1}, nil
	})
	c := newTestClient(t, h)

	receipt, err := c.WaitMined(context.Background(), "0xfeed")
	require.NoError(t, err)
	assert.True(t, receipt.Succeeded())
	assert.EqualValues(t, 16, receipt.BlockNumber)
	assert.Equal(t, 3, h.count("ledger_getReceipt"))
}

func TestClientWaitMinedHonoursContext(t *testing.T) {
	h := newGatewayHandler()
	h.on("ledger_getReceipt", constant(nil))
	c := newTestClient(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.WaitMined(ctx, "0xbeef")
	assert.True(t, ledger.IsKind(err, ledger.KindConnectionUnavailable))
}

func TestClientLogs(t *testing.T) {
	h := newGatewayHandler()
	var got []logsParams
	h.on("ledger_getLogs", func(params json.RawMessage) (interface{}, *rpcError) {
		_ = json.Unmarshal(params, &got)
		return []map[string]interface{}{
			{"event": "LoanRequested", "address": loanContract, "loanId": "9", "user": borrower, "blockNumber": 100, "logIndex": 2},
		}, nil
	})
	c := newTestClient(t, h)

	events, err := c.Logs(context.Background(), ledger.LogFilter{
		FromBlock: 10,
		ToBlock:   5010,
		Types:     []ledger.EventType{ledger.EventLoanRequested},
		Address:   borrower,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.LoanID("9"), events[0].LoanID)
	assert.Equal(t, ledger.EventLoanRequested, events[0].Type)
	assert.EqualValues(t, 100, events[0].BlockNumber)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, loanContract, got[0].Address)
	assert.EqualValues(t, 10, got[0].FromBlock)
	assert.Equal(t, []string{"LoanRequested"}, got[0].Events)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// pushHandler acknowledges one subscription and then forwards whatever is
// written to push.
type pushHandler struct {
	push          chan interface{}
	unsubscribed  chan string
	closeOnSubAck bool
}

func (h *pushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var req wsRequest
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	_ = conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "sub-1"})
	if h.closeOnSubAck {
		return
	}

	go func() {
		for {
			var msg wsRequest
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Method == unsubscribeMethod {
				h.unsubscribed <- msg.Params[0].(string)
			}
		}
	}()
	for msg := range h.push {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamDeliversEvents(t *testing.T) {
	h := &pushHandler{push: make(chan interface{}, 4), unsubscribed: make(chan string, 1)}
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer close(h.push)

	stream := NewStream(wsURL(srv))
	sub, err := stream.Subscribe(context.Background(), loanContract, []ledger.EventType{ledger.EventLoanRepaid})
	require.NoError(t, err)

	h.push <- map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  notificationMethod,
		"params": map[string]interface{}{
			"subscription": "other",
			"result":       map[string]interface{}{"event": "LoanRepaid", "loanId": "1"},
		},
	}
	h.push <- map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  notificationMethod,
		"params": map[string]interface{}{
			"subscription": "sub-1",
			"result":       map[string]interface{}{"event": "LoanRepaid", "address": loanContract, "loanId": "7", "blockNumber": "0x2a"},
		},
	}

	select {
	case ev := <-sub.Events():
		assert.Equal(t, ledger.EventLoanRepaid, ev.Type)
		assert.Equal(t, ledger.LoanID("7"), ev.LoanID)
		assert.EqualValues(t, 42, ev.BlockNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	sub.Unsubscribe()
	select {
	case id := <-h.unsubscribed:
		assert.Equal(t, "sub-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw unsubscribe")
	}
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestStreamReportsDroppedConnection(t *testing.T) {
	h := &pushHandler{closeOnSubAck: true}
	srv := httptest.NewServer(h)
	defer srv.Close()

	sub, err := NewStream(wsURL(srv)).Subscribe(context.Background(), loanContract, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case err := <-sub.Err():
		assert.True(t, ledger.IsKind(err, ledger.KindConnectionUnavailable))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream error")
	}
}

func TestSubscribeWithoutEndpoint(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1"})
	_, err := c.Subscribe(context.Background(), loanContract, nil)
	assert.True(t, ledger.IsKind(err, ledger.KindUnsupported))
}
