package discovery

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/loansync/loansync/internal/ledger"
)

// DiscoverMembers lists the DAO owner followed by every address seen in a
// member-added event or passed in known, keeping only those the ledger
// confirms. The owner is always listed since it is implicitly a member.
func (s *Service) DiscoverMembers(ctx context.Context, known ...ledger.Address) ([]ledger.Address, error) {
	owner, err := s.gw.Owner(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[ledger.Address]bool{owner: true}
	members := []ledger.Address{owner}
	var candidates []ledger.Address

	add := func(addr ledger.Address) {
		addr = ledger.NormalizeAddress(string(addr))
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		candidates = append(candidates, addr)
	}

	events, err := s.memberEvents(ctx)
	if err != nil {
		s.log.WithError(err).Debug("member-added replay failed, using known members only")
	}
	for _, ev := range events {
		add(ev.Address)
	}
	for _, addr := range known {
		add(addr)
	}

	for _, addr := range candidates {
		ok, err := s.gw.IsMember(ctx, addr)
		if err != nil {
			return members, err
		}
		if ok {
			members = append(members, addr)
		} else {
			s.log.WithFields(logrus.Fields{"address": addr}).Debug("candidate is not a member")
		}
	}
	return members, nil
}

func (s *Service) memberEvents(ctx context.Context) ([]ledger.Event, error) {
	head, err := s.gw.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	var from uint64
	if head > s.cfg.LogWindowBlocks {
		from = head - s.cfg.LogWindowBlocks
	}
	return s.logs.Logs(ctx, ledger.LogFilter{
		Contract:  s.gw.Contracts().MemberContract(),
		FromBlock: from,
		ToBlock:   head,
		Types:     []ledger.EventType{ledger.EventMemberAdded},
	})
}
