package discovery

import (
	"context"
	"fmt"
	"sort"

	"github.com/loansync/loansync/internal/hash"
	"github.com/loansync/loansync/internal/ledger"
)

// DirectStrategy asks the ledger for the owner's loan list in one call.
type DirectStrategy struct {
	gw *ledger.Gateway
}

func (s *DirectStrategy) Name() string { return "direct" }

func (s *DirectStrategy) Discover(ctx context.Context, owner ledger.Address) ([]ledger.LoanID, error) {
	return s.gw.GetUserLoans(ctx, owner)
}

// IndexedStrategy walks the per-owner index: a count followed by one lookup
// per position.
type IndexedStrategy struct {
	gw *ledger.Gateway
}

func (s *IndexedStrategy) Name() string { return "indexed" }

func (s *IndexedStrategy) Discover(ctx context.Context, owner ledger.Address) ([]ledger.LoanID, error) {
	count, err := s.gw.GetUserLoansCount(ctx, owner)
	if err != nil {
		return nil, err
	}

	ids := make([]ledger.LoanID, 0, count)
	for i := uint64(0); i < count; i++ {
		id, err := s.gw.UserLoanAt(ctx, owner, i)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ScanStrategy walks the global loan index from the newest entry backwards,
// up to limit entries, and keeps those whose borrower is owner. A scan cut
// short by the limit reports what it found along with an error, so the
// chain keeps looking.
type ScanStrategy struct {
	gw    *ledger.Gateway
	limit uint64
}

func (s *ScanStrategy) Name() string { return "scan" }

func (s *ScanStrategy) Discover(ctx context.Context, owner ledger.Address) ([]ledger.LoanID, error) {
	count, err := s.gw.GetLoansCount(ctx)
	if err != nil {
		return nil, err
	}

	var lowest uint64
	if s.limit > 0 && count > s.limit {
		lowest = count - s.limit
	}

	var (
		candidates []ledger.LoanID
		scanErr    error
	)
	for i := count; i > lowest; i-- {
		id, err := s.gw.LoanAt(ctx, i-1)
		if err != nil {
			scanErr = err
			break
		}
		candidates = append(candidates, id)
	}

	// oldest first
	for i, j := 0, len(candidates)-1; i < j; i, j = i+1, j-1 {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}

	owned, err := ownedBy(ctx, s.gw, owner, candidates)
	if err != nil {
		return nil, err
	}
	if scanErr == nil && lowest > 0 {
		scanErr = ledger.NewError(ledger.KindUnknown, "scan",
			fmt.Sprintf("scan truncated at %d of %d loans", s.limit, count))
	}
	return owned, scanErr
}

// LogReplayStrategy replays loan-request events over the most recent window
// blocks. Events only name ids, so each one is confirmed against the ledger.
type LogReplayStrategy struct {
	gw     *ledger.Gateway
	logs   LogSource
	window uint64
}

func (s *LogReplayStrategy) Name() string { return "logs" }

func (s *LogReplayStrategy) Discover(ctx context.Context, owner ledger.Address) ([]ledger.LoanID, error) {
	head, err := s.gw.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	var from uint64
	if head > s.window {
		from = head - s.window
	}

	events, err := s.logs.Logs(ctx, ledger.LogFilter{
		Contract:  s.gw.Contracts().Loan,
		FromBlock: from,
		ToBlock:   head,
		Types:     []ledger.EventType{ledger.EventLoanRequested},
		Address:   owner,
	})
	if err != nil {
		return nil, ledger.Decode("getLogs", err)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	set := newIDSet()
	for _, ev := range events {
		set.add(ev.LoanID)
	}
	return ownedBy(ctx, s.gw, owner, set.ids)
}

// GuessStrategy derives candidate ids as keccak256(owner ‖ uint256(seq)) for
// seq in [0, span) and keeps the ones the ledger confirms. It is the lowest
// confidence strategy and only useful on deployments that derive ids that way.
type GuessStrategy struct {
	gw   *ledger.Gateway
	span uint64
}

func (s *GuessStrategy) Name() string { return "guess" }

func (s *GuessStrategy) Discover(ctx context.Context, owner ledger.Address) ([]ledger.LoanID, error) {
	candidates, err := GuessIDs(owner, s.span)
	if err != nil {
		return nil, ledger.WrapError(ledger.KindUnknown, "guess", err)
	}
	return ownedBy(ctx, s.gw, owner, candidates)
}

// GuessIDs returns the candidate ids for owner.
func GuessIDs(owner ledger.Address, span uint64) ([]ledger.LoanID, error) {
	raw, err := hash.DecodeHexAddress(string(ledger.NormalizeAddress(string(owner))))
	if err != nil {
		return nil, err
	}
	ids := make([]ledger.LoanID, 0, span)
	for seq := uint64(0); seq < span; seq++ {
		ids = append(ids, ledger.LoanID(hash.Keccak256Hex(raw, hash.PackUint256(seq))))
	}
	return ids, nil
}

// ownedBy keeps the ids that resolve to an existing loan borrowed by owner.
func ownedBy(ctx context.Context, gw *ledger.Gateway, owner ledger.Address, ids []ledger.LoanID) ([]ledger.LoanID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	loans, err := gw.Loans(ctx, ids)
	if err != nil {
		return nil, err
	}

	var owned []ledger.LoanID
	for i, loan := range loans {
		if loan.Exists() && loan.Borrower.Equal(owner) {
			owned = append(owned, ids[i])
		}
	}
	return owned, nil
}
