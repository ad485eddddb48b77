package execution

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"council/internal/config"
	"council/internal/decision"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelope() Envelope {
	out := decision.Outcome{
		State: decision.StateDecision,
		Decision: &decision.Decision{
			CycleID:              "c1",
			Symbol:               "BTCUSDT",
			Direction:            decision.DirectionBuy,
			Entry:                95704,
			StopLoss:             94463,
			TakeProfit:           []float64{99000, 101000},
			PositionSizeFraction: 0.05,
			ProposedBy:           "tech",
			Score:                4.2,
			Context:              decision.LabelBullish,
		},
		NeedsHumanReview: true,
		Objections: []decision.Objection{
			{Rule: decision.RuleMaxStopDistancePct, Limit: 1, Hard: true, Reason: "stop too wide"},
		},
	}
	env, ok := NewEnvelope("c1", "fp", out, time.Date(2025, 2, 9, 20, 0, 0, 0, time.UTC))
	if !ok {
		panic("envelope")
	}
	return env
}

func TestNewEnvelopeRequiresDecision(t *testing.T) {
	_, ok := NewEnvelope("c1", "fp", decision.Outcome{State: decision.StateHold, Hold: true}, time.Now())
	assert.False(t, ok)
	env := sampleEnvelope()
	assert.Equal(t, "BTCUSDT", env.Symbol)
	assert.True(t, env.NeedsHumanReview)
}

func TestWebhookPostsDecision(t *testing.T) {
	var (
		gotBody []byte
		gotKey  string
		gotAuth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(config.WebhookConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer x"}, TimeoutSeconds: 2})
	require.NoError(t, wh.Deliver(context.Background(), sampleEnvelope()))
	assert.Equal(t, "c1", gotKey)
	assert.Equal(t, "Bearer x", gotAuth)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, decision.DirectionBuy, decoded.Decision.Direction)
	assert.Equal(t, []float64{99000, 101000}, decoded.Decision.TakeProfit)
}

func TestWebhookReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad decision", http.StatusBadRequest)
	}))
	defer srv.Close()
	err := NewWebhook(config.WebhookConfig{URL: srv.URL}).Deliver(context.Background(), sampleEnvelope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=400")
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaKeysBySymbol(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w, topic: "decisions"}
	require.NoError(t, k.Deliver(context.Background(), sampleEnvelope()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "BTCUSDT", string(w.msgs[0].Key))
	assert.Equal(t, "cycle_id", w.msgs[0].Headers[0].Key)
	assert.Equal(t, "c1", string(w.msgs[0].Headers[0].Value))
	require.NoError(t, k.Close())
	assert.True(t, w.closed)

	w.err = errors.New("leader not available")
	assert.ErrorContains(t, k.Deliver(context.Background(), sampleEnvelope()), "kafka write decisions")
}

type fakePusher struct {
	key    string
	values []any
	err    error
}

func (f *fakePusher) LPush(_ context.Context, key string, values ...any) *redis.IntCmd {
	f.key = key
	f.values = append(f.values, values...)
	return redis.NewIntResult(int64(len(f.values)), f.err)
}

func TestRedisQueuePushesPayload(t *testing.T) {
	p := &fakePusher{}
	q := &RedisQueue{client: p, key: "council:decisions"}
	require.NoError(t, q.Deliver(context.Background(), sampleEnvelope()))
	assert.Equal(t, "council:decisions", p.key)
	require.Len(t, p.values, 1)
	raw, ok := p.values[0].([]byte)
	require.True(t, ok)
	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "c1", decoded.CycleID)

	p.err = errors.New("connection refused")
	assert.Error(t, q.Deliver(context.Background(), sampleEnvelope()))
	assert.NoError(t, q.Close())
}

type failingHandoff struct{ name string }

func (f failingHandoff) Name() string { return f.name }

func (f failingHandoff) Deliver(context.Context, Envelope) error { return errors.New("down") }

func TestMultiDeliversToAll(t *testing.T) {
	w := &fakeWriter{}
	m := Multi{failingHandoff{name: "webhook"}, &Kafka{writer: w, topic: "t"}}
	assert.Equal(t, "webhook+kafka", m.Name())
	err := m.Deliver(context.Background(), sampleEnvelope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook: down")
	assert.Len(t, w.msgs, 1, "a failing sink does not block the others")
}

type fakeBot struct {
	sent  []string
	fails int
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.fails > 0 {
		f.fails--
		return tgbotapi.Message{}, errors.New("flood wait")
	}
	msg := c.(tgbotapi.MessageConfig)
	f.sent = append(f.sent, msg.Text)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func TestTelegramNotifyReview(t *testing.T) {
	bot := &fakeBot{}
	tg := &Telegram{bot: bot, chatID: 42}
	require.NoError(t, tg.NotifyReview(context.Background(), sampleEnvelope()))
	require.Len(t, bot.sent, 1)
	assert.Contains(t, bot.sent[0], "BTCUSDT BUY")
	assert.Contains(t, bot.sent[0], "max_stop_distance_pct (hard): stop too wide")
}

func TestTelegramRetriesOnce(t *testing.T) {
	bot := &fakeBot{fails: 1}
	tg := &Telegram{bot: bot, chatID: 42}
	require.NoError(t, tg.NotifyReview(context.Background(), sampleEnvelope()))
	assert.Len(t, bot.sent, 1)
}

func TestBuildFallsBackToLog(t *testing.T) {
	sinks, err := Build(config.ExecutionConfig{})
	require.NoError(t, err)
	defer sinks.Close()
	assert.Equal(t, "log", sinks.Handoff.Name())
	assert.Equal(t, "log", sinks.Notifier.Name())
	assert.NoError(t, sinks.Handoff.Deliver(context.Background(), sampleEnvelope()))
	assert.NoError(t, sinks.Notifier.NotifyReview(context.Background(), sampleEnvelope()))
}

func TestBuildCombinesSinks(t *testing.T) {
	sinks, err := Build(config.ExecutionConfig{
		Webhook: config.WebhookConfig{Enabled: true, URL: "http://127.0.0.1:1/hook"},
		Kafka:   config.KafkaConfig{Enabled: true, Brokers: []string{"127.0.0.1:9092"}, Topic: "decisions"},
		Redis:   config.RedisConfig{Enabled: true, Addr: "127.0.0.1:6379", Key: "k"},
	})
	require.NoError(t, err)
	assert.Equal(t, "webhook+kafka+redis", sinks.Handoff.Name())
	assert.NoError(t, sinks.Close())
}
