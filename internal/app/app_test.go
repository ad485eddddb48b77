package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"council/internal/config"
	"council/internal/council"
	"council/internal/snapshot"
	"council/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ruleCouncil = `
app:
  http_addr: "127.0.0.1:0"
council:
  dry_run: true
agents:
  - id: tech
    role: technician
  - id: sent
    role: sentiment
  - id: macro
    role: macro
  - id: risk
    role: risk
  - id: devil
    role: devils_advocate
`

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	body += "store:\n  audit_path: " + filepath.Join(dir, "audit.db") + "\n  index_path: " + filepath.Join(dir, "cycles.db") + "\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func sampleSnapshot(t *testing.T) snapshot.Snapshot {
	t.Helper()
	snap, err := snapshot.LoadFile("../snapshot/testdata/sample.json")
	require.NoError(t, err)
	return snap
}

func TestBuildRunsCycleAgainstSQLiteStores(t *testing.T) {
	cfg := loadConfig(t, ruleCouncil)
	a, err := NewAppBuilder(cfg, WithoutHTTP()).Build(context.Background())
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.http)

	svc := a.Service()
	res, err := svc.Run(context.Background(), sampleSnapshot(t))
	require.NoError(t, err)
	assert.True(t, res.Outcome.State.Terminal())
	assert.True(t, res.DryRun)
	require.NotEmpty(t, res.Records)

	ctx := context.Background()
	recs, err := svc.Audit(ctx, res.CycleID)
	require.NoError(t, err)
	assert.Len(t, recs, len(res.Records))

	rep, err := svc.Replay(ctx, res.CycleID)
	require.NoError(t, err)
	assert.True(t, rep.Consistent(), "%+v", rep.Mismatches)

	sum, err := svc.Summary(ctx, res.CycleID)
	require.NoError(t, err)
	assert.Equal(t, res.Outcome.State, sum.State)
	assert.True(t, sum.DryRun)
}

func TestBuildWithHTTPAndSummary(t *testing.T) {
	cfg := loadConfig(t, ruleCouncil)
	a, err := NewAppBuilder(cfg).Build(context.Background())
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.http)
	assert.Equal(t, "127.0.0.1:0", a.http.Addr())

	var buf bytes.Buffer
	a.Summary.Fprint(&buf)
	out := buf.String()
	assert.Contains(t, out, "devil")
	assert.Contains(t, out, "proposer")
	assert.Contains(t, out, "决策投递: log")
	assert.Contains(t, out, "dry-run: true")
}

func TestBuildClosesStoresOnError(t *testing.T) {
	cfg := loadConfig(t, ruleCouncil)
	_, err := NewAppBuilder(cfg, WithCycleIndex(func(string) (store.CycleIndex, error) {
		return nil, errors.New("disk full")
	})).Build(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestAppRunStopsOnCancel(t *testing.T) {
	cfg := loadConfig(t, ruleCouncil)
	a, err := NewAppBuilder(cfg, WithoutHTTP()).Build(context.Background())
	require.NoError(t, err)
	a.Summary = nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
	_, _, err = a.Service().Submit(context.Background(), sampleSnapshot(t))
	assert.ErrorIs(t, err, council.ErrServiceClosed)
}

type fakeSubmitter struct {
	mu    sync.Mutex
	snaps []snapshot.Snapshot
}

func (f *fakeSubmitter) Submit(_ context.Context, snap snapshot.Snapshot) (string, <-chan council.Result, error) {
	if _, err := snapshot.Freeze(snap); err != nil {
		return "", nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, snap)
	done := make(chan council.Result, 1)
	close(done)
	return "cycle-" + snap.Symbol, done, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snaps)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestInboxSubmitsDroppedSnapshots(t *testing.T) {
	raw, err := os.ReadFile("../snapshot/testdata/sample.json")
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "early.json"), raw, 0o644))

	sub := &fakeSubmitter{}
	in := NewInbox(dir, sub)
	in.debounce = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return sub.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	sym := sub.snaps[0].Symbol
	assert.True(t, exists(filepath.Join(dir, "done", "cycle-"+sym+"-early.json")))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.json"), raw, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.Eventually(t, func() bool { return sub.count() == 2 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return exists(filepath.Join(dir, "done", "cycle-"+sym+"-late.json"))
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, exists(filepath.Join(dir, "notes.txt")))
}

func TestInboxMovesRejectedSnapshots(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"symbol":`), 0o644))

	sub := &fakeSubmitter{}
	in := NewInbox(dir, sub)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	failed := filepath.Join(dir, "failed", "broken.json")
	require.Eventually(t, func() bool { return exists(failed + ".err") }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, exists(failed))
	msg, err := os.ReadFile(failed + ".err")
	require.NoError(t, err)
	assert.Contains(t, string(msg), "invalid snapshot")
	assert.Zero(t, sub.count())
}
