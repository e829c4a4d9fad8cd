// Package creditscore reads a borrower's derived credit score. An address
// without a score is a normal state, reported as a record with HasScore false.
package creditscore

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/loansync/loansync/internal/ledger"
)

type Sync struct {
	gw  *ledger.Gateway
	log *logrus.Logger
}

func NewSync(gw *ledger.Gateway, log *logrus.Logger) *Sync {
	return &Sync{gw: gw, log: log}
}

// Refresh reads hasCreditScore before the score itself, so the expected
// failure of reading a missing score is never hit in the common case.
func (s *Sync) Refresh(ctx context.Context, addr ledger.Address) (ledger.CreditScoreRecord, error) {
	addr = ledger.NormalizeAddress(string(addr))
	rec := ledger.CreditScoreRecord{Address: addr}

	has, err := s.gw.HasCreditScore(ctx, addr)
	if err != nil {
		return rec, err
	}
	if !has {
		return rec, nil
	}

	score, err := s.gw.GetCreditScore(ctx, addr)
	if err != nil {
		if ledger.IsKind(err, ledger.KindNoRecord) {
			s.log.WithField("address", addr).Debug("score disappeared between reads")
			return rec, nil
		}
		return rec, err
	}

	rec.HasScore = true
	rec.Score = score
	if !rec.InRange() {
		s.log.WithFields(logrus.Fields{
			"address": addr,
			"score":   score,
		}).Warn("credit score outside the expected range")
	}
	return rec, nil
}

type Band string

const (
	BandNone      Band = "none"
	BandPoor      Band = "poor"
	BandFair      Band = "fair"
	BandGood      Band = "good"
	BandExcellent Band = "excellent"
)

// BandOf classifies a record for display.
func BandOf(rec ledger.CreditScoreRecord) Band {
	if !rec.HasScore {
		return BandNone
	}
	switch {
	case rec.Score < 300:
		return BandPoor
	case rec.Score < 600:
		return BandFair
	case rec.Score < 750:
		return BandGood
	default:
		return BandExcellent
	}
}
