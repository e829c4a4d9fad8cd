package creditscore

import (
	"context"
	"errors"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loansync/loansync/internal/ledger"
	"github.com/loansync/loansync/internal/ledger/ledgertest"
)

const alice ledger.Address = "0x1111111111111111111111111111111111111111"

func newSync(t *testing.T) (*Sync, *ledgertest.Ledger) {
	t.Helper()
	fake := ledgertest.New("0x00000000000000000000000000000000000000aa")
	log, _ := logtest.NewNullLogger()
	gw := ledger.NewGateway(fake, ledger.Contracts{Loan: "loan", CreditScore: "score"}, log)
	return NewSync(gw, log), fake
}

func TestRefreshWithoutScore(t *testing.T) {
	cs, fake := newSync(t)

	rec, err := cs.Refresh(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, ledger.CreditScoreRecord{Address: alice}, rec)
	assert.Zero(t, fake.Calls("getCreditScore"), "score must not be read before hasCreditScore")
	assert.Equal(t, BandNone, BandOf(rec))
}

func TestRefreshWithScore(t *testing.T) {
	cs, fake := newSync(t)
	fake.SetScore(alice, 640)

	rec, err := cs.Refresh(context.Background(), "0X1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.Equal(t, ledger.CreditScoreRecord{Address: alice, HasScore: true, Score: 640}, rec)
	assert.Equal(t, 1, fake.Calls("hasCreditScore"))
	assert.Equal(t, 1, fake.Calls("getCreditScore"))
}

func TestRefreshNoRecordIsNotAnError(t *testing.T) {
	cs, fake := newSync(t)
	fake.SetScore(alice, 640)
	fake.FailOn("getCreditScore", ledger.NewError(ledger.KindNoRecord, "getCreditScore", "No credit score found"))

	rec, err := cs.Refresh(context.Background(), alice)
	require.NoError(t, err)
	assert.False(t, rec.HasScore)
}

func TestRefreshPropagatesTransportErrors(t *testing.T) {
	cs, fake := newSync(t)
	fake.FailOn("hasCreditScore", errors.New("dial tcp: connection refused"))

	_, err := cs.Refresh(context.Background(), alice)
	require.Error(t, err)
	assert.True(t, ledger.IsKind(err, ledger.KindUnknown))
}

func TestBandOf(t *testing.T) {
	tests := []struct {
		score int
		want  Band
	}{
		{0, BandPoor},
		{299, BandPoor},
		{300, BandFair},
		{599, BandFair},
		{600, BandGood},
		{749, BandGood},
		{750, BandExcellent},
		{850, BandExcellent},
	}

	for _, tt := range tests {
		got := BandOf(ledger.CreditScoreRecord{HasScore: true, Score: tt.score})
		assert.Equal(t, tt.want, got, "score %d", tt.score)
	}
}
