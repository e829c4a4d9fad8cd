package ledgertest

import (
	"context"
	"sync"

	"github.com/loansync/loansync/internal/ledger"
)

type subscription struct {
	contract string
	types    map[ledger.EventType]bool
	events   chan ledger.Event
	errs     chan error

	once   sync.Once
	parent *Ledger
}

func (s *subscription) Events() <-chan ledger.Event { return s.events }

func (s *subscription) Err() <-chan error { return s.errs }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.parent.mu.Lock()
		defer s.parent.mu.Unlock()
		for i, sub := range s.parent.subs {
			if sub == s {
				s.parent.subs = append(s.parent.subs[:i], s.parent.subs[i+1:]...)
				break
			}
		}
		close(s.events)
	})
}

func (l *Ledger) Subscribe(ctx context.Context, contract string, types []ledger.EventType) (ledger.Subscription, error) {
	if err := l.begin("subscribe"); err != nil {
		return nil, err
	}

	sub := &subscription{
		contract: contract,
		types:    make(map[ledger.EventType]bool, len(types)),
		events:   make(chan ledger.Event, 64),
		errs:     make(chan error, 1),
		parent:   l,
	}
	for _, t := range types {
		sub.types[t] = true
	}

	l.mu.Lock()
	l.subs = append(l.subs, sub)
	l.mu.Unlock()
	return sub, nil
}

// Emit records ev in the log history and pushes it to matching subscribers.
func (l *Ledger) Emit(ev ledger.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev.BlockNumber == 0 {
		ev.BlockNumber = l.block
	}
	l.emitLocked(ev)
}

func (l *Ledger) emitLocked(ev ledger.Event) {
	l.logs = append(l.logs, ev)
	for _, sub := range l.subs {
		if len(sub.types) > 0 && !sub.types[ev.Type] {
			continue
		}
		if sub.contract != "" && ev.Contract != "" && sub.contract != ev.Contract {
			continue
		}
		sub.events <- ev
	}
}

// BreakStreams reports err on every open subscription, as a dropped
// transport would.
func (l *Ledger) BreakStreams(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range l.subs {
		select {
		case sub.errs <- err:
		default:
		}
	}
}

func (l *Ledger) Subscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}
