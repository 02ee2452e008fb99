package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"strategy-systemv1/internal/model"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleTrade() *model.Trade {
	return &model.Trade{
		TradeID:     "pos-1",
		PositionID:  "pos-1",
		Symbol:      "NIFTY:2026-08-25:OPT:2465000:CE",
		Exchange:    "NFO",
		Side:        "SELL",
		Quantity:    75,
		QtyClosed:   0,
		EntryPrice:  12500,
		Status:      model.TradeOpen,
		EntryTime:   time.Date(2026, 8, 21, 9, 16, 0, 0, model.IST),
		Strategy:    "strat-1",
	}
}

func TestJournal_UpsertAndRecent(t *testing.T) {
	j := openTemp(t)

	require.NoError(t, j.Upsert("sess-1", sampleTrade()))

	recs, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "pos-1", recs[0].TradeID)
	require.Equal(t, "OPEN", recs[0].Status)
	require.Empty(t, recs[0].ExitTime)

	// Re-upserting the same trade updates in place instead of duplicating.
	tr := sampleTrade()
	tr.QtyClosed = 75
	tr.ExitPrice = 11000
	tr.RealizedPnL = 112500
	tr.Status = model.TradeClosed
	tr.ExitTime = tr.EntryTime.Add(30 * time.Minute)
	require.NoError(t, j.Upsert("sess-1", tr))

	recs, err = j.Recent(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "CLOSED", recs[0].Status)
	require.Equal(t, int64(11000), recs[0].ExitPrice)
	require.Equal(t, int64(112500), recs[0].RealizedPnL)
	require.NotEmpty(t, recs[0].ExitTime)
}

func TestJournal_TradesAreScopedBySession(t *testing.T) {
	j := openTemp(t)

	require.NoError(t, j.Upsert("sess-1", sampleTrade()))
	require.NoError(t, j.Upsert("sess-2", sampleTrade()))

	recs, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, recs, 2, "same trade id in different sessions must not collide")

	// Newest first.
	require.Equal(t, "sess-2", recs[0].SessionID)
	require.Equal(t, "sess-1", recs[1].SessionID)
}

func TestJournal_RecentHonorsLimit(t *testing.T) {
	j := openTemp(t)
	for i := 0; i < 5; i++ {
		tr := sampleTrade()
		tr.TradeID = tr.TradeID + "-r" + string(rune('0'+i))
		require.NoError(t, j.Upsert("sess-1", tr))
	}
	recs, err := j.Recent(3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
}
