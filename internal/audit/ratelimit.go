package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	rateLimitDir = ".ratelimit"
	clusterState = "cluster.json"
)

// LimitConfig bounds how many containment actions may run per window.
type LimitConfig struct {
	MaxActions   int           // per cluster per window, 0 = unlimited
	MaxPerTarget int           // per target per window, 0 = unlimited
	Window       time.Duration // tumbling window
	Dir          string        // audit directory holding the state files
}

// LimitState is the persisted state of one counter.
type LimitState struct {
	WindowStart    time.Time     `json:"window_start"`
	WindowDuration time.Duration `json:"window_duration"`
	Count          int           `json:"count"`
	Entries        []LimitEntry  `json:"entries"`
}

// LimitEntry records one counted action.
type LimitEntry struct {
	At     time.Time `json:"at"`
	Action Action    `json:"action"`
	Target string    `json:"target"`
	Actor  string    `json:"actor"`
}

// LimitResult is the outcome of a limit check.
type LimitResult struct {
	Allowed      bool   `json:"allowed"`
	DenialReason string `json:"denial_reason,omitempty"`
}

// Limiter enforces LimitConfig across processes using locked state files.
type Limiter struct {
	cfg    LimitConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewLimiter returns a limiter for cfg. A nil logger discards.
func NewLimiter(cfg LimitConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Limiter{cfg: cfg, logger: logger, now: time.Now}
}

// Config returns the limiter's configuration.
func (l *Limiter) Config() LimitConfig {
	return l.cfg
}

// counter is one locked state file taking part in a limit check.
type counter struct {
	name   string
	path   string
	max    int
	denial string
	state  *LimitState
}

// CheckAndIncrement counts one action against the cluster and target
// counters. Both limits are checked under their locks before either
// counter records the action, so a denied action is never counted.
func (l *Limiter) CheckAndIncrement(action Action, target Target, actor string) (*LimitResult, error) {
	dir := filepath.Join(l.cfg.Dir, rateLimitDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ratelimit dir: %w", err)
	}

	entry := LimitEntry{At: l.now(), Action: action, Target: target.String(), Actor: actor}
	counters := []*counter{
		{
			name:   "cluster",
			path:   filepath.Join(dir, clusterState),
			max:    l.cfg.MaxActions,
			denial: fmt.Sprintf("cluster rate limit exceeded (%d actions in %s window)", l.cfg.MaxActions, l.cfg.Window),
		},
		{
			name:   "target",
			path:   filepath.Join(dir, stateFileName(target)),
			max:    l.cfg.MaxPerTarget,
			denial: fmt.Sprintf("rate limit for %s exceeded (%d actions in %s window)", target, l.cfg.MaxPerTarget, l.cfg.Window),
		},
	}

	// Locks are always taken cluster first, then target.
	var active []*counter
	for _, c := range counters {
		fd, err := acquireFlock(c.path + ".lock")
		if err == nil {
			defer releaseFlock(fd)
			c.state, err = readState(c.path)
		}
		if err != nil {
			if c.max > 0 {
				return nil, fmt.Errorf("%s rate check: %w", c.name, err)
			}
			l.logger.Warn("failed to read rate state", slog.String("counter", c.name), slog.String("error", err.Error()))
			continue
		}
		c.state = l.roll(c.state)
		active = append(active, c)
	}

	for _, c := range active {
		if c.max > 0 && c.state.Count >= c.max {
			return &LimitResult{DenialReason: c.denial}, nil
		}
	}

	for _, c := range active {
		c.state.Count++
		c.state.Entries = append(c.state.Entries, entry)
		if err := writeState(c.path, c.state); err != nil {
			if c.max > 0 {
				return nil, fmt.Errorf("%s rate check: %w", c.name, err)
			}
			l.logger.Warn("failed to record rate entry", slog.String("counter", c.name), slog.String("error", err.Error()))
		}
	}
	return &LimitResult{Allowed: true}, nil
}

// Peek reports whether the cluster counter has room, without counting.
// Read errors are treated as allowed.
func (l *Limiter) Peek() *LimitResult {
	if l.cfg.MaxActions <= 0 {
		return &LimitResult{Allowed: true}
	}
	state, err := readState(filepath.Join(l.cfg.Dir, rateLimitDir, clusterState))
	if err != nil || l.expired(state) || state.Count < l.cfg.MaxActions {
		return &LimitResult{Allowed: true}
	}
	return &LimitResult{
		DenialReason: fmt.Sprintf("cluster rate limit exceeded (%d actions in %s window)", l.cfg.MaxActions, l.cfg.Window),
	}
}

// roll starts a fresh window when the stored one has expired.
func (l *Limiter) roll(state *LimitState) *LimitState {
	if l.expired(state) {
		return &LimitState{WindowStart: l.now(), WindowDuration: l.cfg.Window}
	}
	return state
}

func (l *Limiter) expired(state *LimitState) bool {
	return state.WindowStart.IsZero() || l.now().After(state.WindowStart.Add(l.cfg.Window))
}

// stateFileName maps a target to a file name inside the ratelimit dir.
func stateFileName(t Target) string {
	r := strings.NewReplacer("/", "__", "\\", "__", ":", "_")
	return "target__" + r.Replace(t.String()) + ".json"
}

func readState(path string) (*LimitState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &LimitState{}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var state LimitState
	if err := json.Unmarshal(data, &state); err != nil {
		// corrupted, start over
		return &LimitState{}, nil
	}
	return &state, nil
}

func writeState(path string, state *LimitState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
