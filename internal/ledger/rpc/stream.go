package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loansync/loansync/internal/ledger"
)

const (
	subscribeMethod    = "ledger_subscribe"
	unsubscribeMethod  = "ledger_unsubscribe"
	notificationMethod = "ledger_subscription"

	defaultWriteWait = 10 * time.Second
	eventBuffer      = 64
)

type eventJSON struct {
	Event       string   `json:"event"`
	Address     string   `json:"address"`
	LoanID      string   `json:"loanId"`
	User        string   `json:"user"`
	Score       int      `json:"score"`
	BlockNumber quantity `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    uint     `json:"logIndex"`
}

func (e *eventJSON) toEvent() ledger.Event {
	return ledger.Event{
		Type:        ledger.EventType(e.Event),
		Contract:    e.Address,
		LoanID:      ledger.LoanID(e.LoanID),
		Address:     ledger.NormalizeAddress(e.User),
		Score:       e.Score,
		BlockNumber: uint64(e.BlockNumber),
		TxHash:      e.TxHash,
		LogIndex:    e.LogIndex,
	}
}

// Stream opens one websocket connection per subscription against the
// gateway's push endpoint.
type Stream struct {
	url    string
	dialer *websocket.Dialer
}

func NewStream(url string) *Stream {
	return &Stream{
		url:    url,
		dialer: websocket.DefaultDialer,
	}
}

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsMessage struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Params *struct {
		Subscription string    `json:"subscription"`
		Result       eventJSON `json:"result"`
	} `json:"params,omitempty"`
}

type subscribeParams struct {
	Address string   `json:"address"`
	Events  []string `json:"events"`
}

func (s *Stream) Subscribe(ctx context.Context, contract string, types []ledger.EventType) (ledger.Subscription, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, ledger.WrapError(ledger.KindConnectionUnavailable, "subscribe", err)
	}

	params := subscribeParams{Address: contract}
	for _, t := range types {
		params.Events = append(params.Events, string(t))
	}
	reqID := uuid.NewString()
	if err := conn.WriteJSON(wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  subscribeMethod,
		Params:  []interface{}{params},
	}); err != nil {
		conn.Close()
		return nil, ledger.WrapError(ledger.KindConnectionUnavailable, "subscribe", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, ledger.WrapError(ledger.KindConnectionUnavailable, "subscribe", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if ack.Error != nil {
		conn.Close()
		return nil, ledger.DecodeRPCError("subscribe", ack.Error.Code, ack.Error.Message, ack.Error.dataString())
	}
	var serverID string
	if err := json.Unmarshal(ack.Result, &serverID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to decode subscription id: %w", err)
	}

	sub := &wsSubscription{
		id:     serverID,
		conn:   conn,
		events: make(chan ledger.Event, eventBuffer),
		errs:   make(chan error, 1),
		stopCh: make(chan struct{}),
	}
	sub.wg.Add(1)
	go sub.readLoop()
	return sub, nil
}

type wsSubscription struct {
	id     string
	conn   *websocket.Conn
	events chan ledger.Event
	errs   chan error

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *wsSubscription) Events() <-chan ledger.Event { return s.events }

func (s *wsSubscription) Err() <-chan error { return s.errs }

func (s *wsSubscription) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		var msg wsMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.stopCh:
			default:
				select {
				case s.errs <- ledger.WrapError(ledger.KindConnectionUnavailable, "subscription "+s.id, err):
				default:
				}
			}
			return
		}
		if msg.Method != notificationMethod || msg.Params == nil || msg.Params.Subscription != s.id {
			continue
		}
		select {
		case s.events <- msg.Params.Result.toEvent():
		case <-s.stopCh:
			return
		}
	}
}

func (s *wsSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.stopCh)
		_ = s.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
		_ = s.conn.WriteJSON(wsRequest{
			JSONRPC: "2.0",
			ID:      uuid.NewString(),
			Method:  unsubscribeMethod,
			Params:  []interface{}{s.id},
		})
		s.conn.Close()
		s.wg.Wait()
	})
}
