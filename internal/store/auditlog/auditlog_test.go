package auditlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"council/internal/decision"
	"council/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(round int, label decision.Label) decision.RoundRecord {
	return decision.RoundRecord{
		Round: round,
		Phase: decision.PhaseContextVoting,
		From:  decision.StateContextVoting,
		To:    decision.StatePlanProposing,
		Votes: []decision.Vote{{
			Seq: round, AgentID: "macro", Role: decision.RoleMacro, Round: round,
			Phase: decision.PhaseContextVoting, Kind: decision.KindContext,
			Context: &decision.ContextVote{Label: label},
		}},
		Result:   decision.RoundResult{Note: "majority " + string(label)},
		ClosedAt: time.Date(2025, 2, 9, 20, 0, round, 123456789, time.FixedZone("UTC+8", 8*3600)),
	}
}

func stores(t *testing.T) map[string]store.AuditLog {
	t.Helper()
	sqlStore, err := OpenSQL(filepath.Join(t.TempDir(), "nested", "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })
	return map[string]store.AuditLog{"sqlite": sqlStore, "memory": NewMemory()}
}

func TestAppendAndReadOrdered(t *testing.T) {
	for name, log := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, log.Append(ctx, "c1", record(2, decision.LabelBearish)))
			require.NoError(t, log.Append(ctx, "c1", record(1, decision.LabelBullish)))
			require.NoError(t, log.Append(ctx, "c2", record(1, decision.LabelUncertain)))

			recs, err := log.Read(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, 1, recs[0].Round)
			assert.Equal(t, 2, recs[1].Round)
			assert.Equal(t, "c1", recs[0].CycleID)
			assert.Equal(t, decision.LabelBullish, recs[0].Votes[0].Context.Label)
			assert.True(t, recs[0].ClosedAt.Equal(record(1, decision.LabelBullish).ClosedAt))

			empty, err := log.Read(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestAppendIsIdempotentPerRound(t *testing.T) {
	for name, log := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := record(1, decision.LabelBullish)
			require.NoError(t, log.Append(ctx, "c1", rec))
			require.NoError(t, log.Append(ctx, "c1", rec))

			read, err := log.Read(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, read, 1)
			require.NoError(t, log.Append(ctx, "c1", read[0]), "a record read back is identical")

			err = log.Append(ctx, "c1", record(1, decision.LabelBearish))
			assert.ErrorIs(t, err, decision.ErrDuplicateRound)

			read, err = log.Read(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, read, 1)
			assert.Equal(t, decision.LabelBullish, read[0].Votes[0].Context.Label)
		})
	}
}

func TestAppendRejectsBadInput(t *testing.T) {
	for name, log := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assert.Error(t, log.Append(ctx, "", record(1, decision.LabelBullish)))
			assert.Error(t, log.Append(ctx, "c1", record(0, decision.LabelBullish)))
			rec := record(1, decision.LabelBullish)
			rec.CycleID = "other"
			assert.Error(t, log.Append(ctx, "c1", rec))
		})
	}
}

func TestMemoryStoreHoldsCopies(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()
	rec := record(1, decision.LabelBullish)
	require.NoError(t, log.Append(ctx, "c1", rec))
	rec.Votes[0].Context.Label = decision.LabelBearish

	read, err := log.Read(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, decision.LabelBullish, read[0].Votes[0].Context.Label)
}

func TestSQLStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()
	s, err := OpenSQL(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, "c1", record(1, decision.LabelBullish)))
	require.NoError(t, s.Close())

	s, err = OpenSQL(path)
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.Read(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.ErrorIs(t, s.Append(ctx, "c1", record(1, decision.LabelBearish)), decision.ErrDuplicateRound)
}
