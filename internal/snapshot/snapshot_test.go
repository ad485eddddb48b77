package snapshot

import (
	"errors"
	"math"
	"strings"
	"testing"

	"council/internal/decision"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadSample(t *testing.T) Snapshot {
	t.Helper()
	s, err := LoadFile("testdata/sample.json")
	require.NoError(t, err)
	return s
}

func issuesOf(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, decision.ErrInvalidSnapshot))
	var serr *decision.SnapshotError
	require.True(t, errors.As(err, &serr))
	return serr.Issues
}

func containsIssue(issues []string, fragment string) bool {
	for _, is := range issues {
		if strings.Contains(is, fragment) {
			return true
		}
	}
	return false
}

func TestSampleIsValid(t *testing.T) {
	s := loadSample(t)
	assert.NoError(t, Validate(s))
	assert.Equal(t, "BTCUSDT", s.Symbol)
	assert.InDelta(t, 10000, s.AccountBalance(), 1e-9)
	assert.InDelta(t, 95704.08, s.LastPrice(Window4h), 1e-6)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Snapshot)
		want   string
	}{
		{"missing symbol", func(s *Snapshot) { s.Symbol = "" }, "symbol is required"},
		{"missing balance", func(s *Snapshot) { s.Balance = nil }, "balance is required"},
		{"negative balance", func(s *Snapshot) { b := -1.0; s.Balance = &b }, "balance must be greater than or equal to 0"},
		{"sentiment range", func(s *Snapshot) { s.Sentiment[Window4h] = 1.5 }, "sentiment[4h]"},
		{"no sentiment", func(s *Snapshot) { s.Sentiment = nil }, "sentiment is required"},
		{"bad window", func(s *Snapshot) { s.Sentiment["1h"] = 0.1 }, "must be one of"},
		{"missing ema", func(s *Snapshot) { s.Technicals.EMA50 = 0 }, "technicals.ema50"},
		{"rsi range", func(s *Snapshot) { s.Technicals.RSI14 = 120 }, "technicals.rsi14"},
		{"non finite", func(s *Snapshot) { s.Technicals.MACD.Hist = math.Inf(1) }, "technicals.macd.hist must be finite"},
		{"news sentiment", func(s *Snapshot) { s.News[Window24h][0].Sentiment = -2 }, "sentiment must be greater than or equal to -1"},
		{"high below low", func(s *Snapshot) {
			c := s.OHLCV[Window4h][3]
			c.High, c.Low = c.Low, c.High
			s.OHLCV[Window4h][3] = c
		}, "ohlcv[4h][3]"},
		{"bollinger order", func(s *Snapshot) { s.Technicals.Bollinger.Lower = s.Technicals.Bollinger.Upper + 1 }, "bollinger"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := loadSample(t)
			tc.mutate(&s)
			issues := issuesOf(t, Validate(s))
			assert.True(t, containsIssue(issues, tc.want), "issues: %v", issues)
		})
	}
}

func TestFreezeIsolatesCaller(t *testing.T) {
	s := loadSample(t)
	f, err := Freeze(s)
	require.NoError(t, err)
	fp := f.Fingerprint()
	require.Len(t, fp, 64)

	s.Sentiment[Window4h] = -0.9
	s.OHLCV[Window4h][0].Close = 1
	s.Technicals.Support[0] = 1
	*s.Balance = 1

	require.NoError(t, f.Verify())
	assert.Equal(t, fp, f.Fingerprint())
	got := f.Snapshot()
	assert.InDelta(t, 0.3, got.Sentiment[Window4h], 1e-12)
	assert.InDelta(t, 10000, f.Balance(), 1e-9)

	got.Sentiment[Window4h] = 0
	require.NoError(t, f.Verify())

	raw := f.JSON()
	raw[0] = 'x'
	require.NoError(t, f.Verify())
}

func TestFreezeIsDeterministic(t *testing.T) {
	a, err := Freeze(loadSample(t))
	require.NoError(t, err)
	b, err := Freeze(loadSample(t))
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, a.JSON(), b.JSON())
}

func TestFreezeRejectsInvalid(t *testing.T) {
	s := loadSample(t)
	s.Balance = nil
	_, err := Freeze(s)
	assert.ErrorIs(t, err, decision.ErrInvalidSnapshot)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("{not json"))
	assert.ErrorIs(t, err, decision.ErrInvalidSnapshot)
}

func TestEnrichTechnicalsFillsOnlyMissing(t *testing.T) {
	s := loadSample(t)
	orig := s.Technicals
	s.Technicals = Technicals{EMA20: orig.EMA20}

	filled := EnrichTechnicals(&s, Window4h)
	assert.NotContains(t, filled, "ema20")
	assert.Contains(t, filled, "ema50")
	assert.Contains(t, filled, "ema200")
	assert.Contains(t, filled, "rsi14")
	assert.Contains(t, filled, "atr14")
	assert.Contains(t, filled, "bollinger")
	assert.Equal(t, orig.EMA20, s.Technicals.EMA20)
	assert.Greater(t, s.Technicals.EMA50, 0.0)
	assert.Greater(t, s.Technicals.ATR14, 0.0)
	assert.GreaterOrEqual(t, s.Technicals.Bollinger.Upper, s.Technicals.Bollinger.Lower)
	assert.NoError(t, Validate(s))
}

func TestEnrichTechnicalsShortSeries(t *testing.T) {
	s := loadSample(t)
	s.OHLCV[Window4h] = s.OHLCV[Window4h][:10]
	s.Technicals = Technicals{}
	filled := EnrichTechnicals(&s, Window4h)
	assert.NotContains(t, filled, "ema20")
	assert.Zero(t, s.Technicals.EMA200)
}
