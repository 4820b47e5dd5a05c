package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	webTarget   = Target{Kind: "Deployment", Name: "web", Namespace: "shop"}
	minerTarget = Target{Kind: "Pod", Name: "miner", Namespace: "shop"}
)

func testLimiter(t *testing.T, maxActions, maxPerTarget int) (*Limiter, *time.Time) {
	t.Helper()
	now := fixedTime
	l := NewLimiter(LimitConfig{
		MaxActions:   maxActions,
		MaxPerTarget: maxPerTarget,
		Window:       time.Hour,
		Dir:          t.TempDir(),
	}, nil)
	l.now = func() time.Time { return now }
	return l, &now
}

func readTestState(t *testing.T, l *Limiter, name string) LimitState {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(l.cfg.Dir, rateLimitDir, name))
	require.NoError(t, err)
	var state LimitState
	require.NoError(t, json.Unmarshal(data, &state))
	return state
}

func TestCheckAndIncrement_First(t *testing.T) {
	l, _ := testLimiter(t, 10, 5)

	res, err := l.CheckAndIncrement(ActionIsolate, webTarget, "alice")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	state := readTestState(t, l, clusterState)
	assert.Equal(t, 1, state.Count)
	require.Len(t, state.Entries, 1)
	assert.Equal(t, "shop/deployment/web", state.Entries[0].Target)
	assert.Equal(t, ActionIsolate, state.Entries[0].Action)
	assert.Equal(t, "alice", state.Entries[0].Actor)

	state = readTestState(t, l, stateFileName(webTarget))
	assert.Equal(t, 1, state.Count)
}

func TestCheckAndIncrement_ClusterLimit(t *testing.T) {
	l, _ := testLimiter(t, 2, 0)

	for i := 0; i < 2; i++ {
		res, err := l.CheckAndIncrement(ActionCordon, Target{Kind: "Node", Name: "n"}, "alice")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "action %d", i+1)
	}

	res, err := l.CheckAndIncrement(ActionCordon, minerTarget, "alice")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.DenialReason, "cluster rate limit exceeded")

	_, err = os.Stat(filepath.Join(l.cfg.Dir, rateLimitDir, stateFileName(minerTarget)))
	assert.True(t, os.IsNotExist(err), "denied action is not counted against the target")
}

func TestCheckAndIncrement_TargetLimit(t *testing.T) {
	l, _ := testLimiter(t, 0, 1)

	res, err := l.CheckAndIncrement(ActionIsolate, webTarget, "alice")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.CheckAndIncrement(ActionIsolate, webTarget, "bob")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.DenialReason, "shop/deployment/web")

	res, err = l.CheckAndIncrement(ActionIsolate, minerTarget, "alice")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "other targets have their own counter")

	assert.Equal(t, 2, readTestState(t, l, clusterState).Count, "unlimited cluster counter records allowed actions only")
}

func TestCheckAndIncrement_TargetDenialLeavesClusterCounter(t *testing.T) {
	l, _ := testLimiter(t, 10, 1)

	res, err := l.CheckAndIncrement(ActionDrain, webTarget, "alice")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	for i := 0; i < 3; i++ {
		res, err = l.CheckAndIncrement(ActionDrain, webTarget, "alice")
		require.NoError(t, err)
		assert.False(t, res.Allowed)
	}

	cluster := readTestState(t, l, clusterState)
	assert.Equal(t, 1, cluster.Count, "denied actions do not use up the cluster budget")
	assert.Len(t, cluster.Entries, 1)
	assert.Equal(t, 1, readTestState(t, l, stateFileName(webTarget)).Count)
}

func TestCheckAndIncrement_WindowExpires(t *testing.T) {
	l, now := testLimiter(t, 1, 0)

	res, err := l.CheckAndIncrement(ActionDrain, webTarget, "alice")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = l.CheckAndIncrement(ActionDrain, webTarget, "alice")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	*now = now.Add(61 * time.Minute)

	res, err = l.CheckAndIncrement(ActionDrain, webTarget, "alice")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	state := readTestState(t, l, clusterState)
	assert.Equal(t, 1, state.Count)
	assert.Equal(t, *now, state.WindowStart.UTC())
}

func TestCheckAndIncrement_CorruptedState(t *testing.T) {
	l, _ := testLimiter(t, 1, 0)
	dir := filepath.Join(l.cfg.Dir, rateLimitDir)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, clusterState), []byte("{not json"), 0600))

	res, err := l.CheckAndIncrement(ActionDelete, minerTarget, "alice")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestPeek(t *testing.T) {
	l, now := testLimiter(t, 1, 0)
	assert.True(t, l.Peek().Allowed, "missing state")

	_, err := l.CheckAndIncrement(ActionIsolate, webTarget, "alice")
	require.NoError(t, err)
	res := l.Peek()
	assert.False(t, res.Allowed)
	assert.Contains(t, res.DenialReason, "cluster rate limit exceeded")
	assert.Equal(t, 1, readTestState(t, l, clusterState).Count, "peek does not count")

	*now = now.Add(2 * time.Hour)
	assert.True(t, l.Peek().Allowed)
}

func TestPeekUnlimited(t *testing.T) {
	l, _ := testLimiter(t, 0, 0)
	assert.True(t, l.Peek().Allowed)
}

func TestStateFileName(t *testing.T) {
	assert.Equal(t, "target__shop__deployment__web.json", stateFileName(webTarget))
	assert.Equal(t, "target__node__node-a.json", stateFileName(Target{Kind: "Node", Name: "node-a"}))
}
