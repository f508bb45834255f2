package concurrency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		PollInterval:    time.Second,
		EarlyPhase:      60 * time.Second,
		ActivityCeiling: 30 * time.Second,
		MinOutputRate:   1.0,
		SlowThreshold:   2,
		DeadAfter:       3 * time.Minute,
	}
}

func TestClassify(t *testing.T) {
	cfg := testHeartbeatConfig()

	tests := []struct {
		name     string
		sample   HeartbeatSample
		verdict  Verdict
		slowNext int
	}{
		{
			name:     "early phase is always active",
			sample:   HeartbeatSample{SinceStart: 59 * time.Second, SinceActivity: 59 * time.Second, ConsecutiveSlowChecks: 10},
			verdict:  VerdictActive,
			slowNext: 0,
		},
		{
			name:     "early phase never dead",
			sample:   HeartbeatSample{SinceStart: 30 * time.Second, SinceActivity: time.Hour},
			verdict:  VerdictActive,
			slowNext: 0,
		},
		{
			name:     "progress marker resets slow checks",
			sample:   HeartbeatSample{SinceStart: 5 * time.Minute, SinceActivity: 2 * time.Minute, OutputRate: 0, NewProgressMarkers: 1, ConsecutiveSlowChecks: 5},
			verdict:  VerdictActive,
			slowNext: 0,
		},
		{
			name:     "low rate and idle increments",
			sample:   HeartbeatSample{SinceStart: 2 * time.Minute, SinceActivity: 31 * time.Second, OutputRate: 0.5},
			verdict:  VerdictActive,
			slowNext: 1,
		},
		{
			name:     "threshold reached is still active",
			sample:   HeartbeatSample{SinceStart: 2 * time.Minute, SinceActivity: 40 * time.Second, OutputRate: 0.5, ConsecutiveSlowChecks: 1},
			verdict:  VerdictActive,
			slowNext: 2,
		},
		{
			name:     "threshold exceeded is slow",
			sample:   HeartbeatSample{SinceStart: 2 * time.Minute, SinceActivity: 40 * time.Second, OutputRate: 0.5, ConsecutiveSlowChecks: 2},
			verdict:  VerdictSlow,
			slowNext: 3,
		},
		{
			name:     "fresh activity resets",
			sample:   HeartbeatSample{SinceStart: 2 * time.Minute, SinceActivity: time.Second, OutputRate: 0.5, ConsecutiveSlowChecks: 7},
			verdict:  VerdictActive,
			slowNext: 0,
		},
		{
			name:     "high rate resets",
			sample:   HeartbeatSample{SinceStart: 2 * time.Minute, SinceActivity: 40 * time.Second, OutputRate: 50, ConsecutiveSlowChecks: 7},
			verdict:  VerdictActive,
			slowNext: 0,
		},
		{
			name:     "dead after hard threshold",
			sample:   HeartbeatSample{SinceStart: 10 * time.Minute, SinceActivity: 3 * time.Minute, OutputRate: 10},
			verdict:  VerdictDead,
			slowNext: 0,
		},
		{
			name:     "waiting for input suppresses dead",
			sample:   HeartbeatSample{SinceStart: 10 * time.Minute, SinceActivity: 5 * time.Minute, OutputRate: 0.1, WaitingForInput: true, ConsecutiveSlowChecks: 2},
			verdict:  VerdictSlow,
			slowNext: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, reason, slow := Classify(cfg, tt.sample)
			assert.Equal(t, tt.verdict, verdict)
			assert.Equal(t, tt.slowNext, slow)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	cfg := testHeartbeatConfig()
	sample := HeartbeatSample{SinceStart: 4 * time.Minute, SinceActivity: 45 * time.Second, OutputRate: 0.2, ConsecutiveSlowChecks: 2}

	v1, r1, s1 := Classify(cfg, sample)
	for i := 0; i < 100; i++ {
		v, r, s := Classify(cfg, sample)
		require.Equal(t, v1, v)
		require.Equal(t, r1, r)
		require.Equal(t, s1, s)
	}
}

func TestHeartbeatMonitorPoll(t *testing.T) {
	cfg := testHeartbeatConfig()
	cfg.SlowThreshold = 1
	m := NewHeartbeatMonitor("task-1", cfg)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := ProcessSnapshot{TaskID: "task-1", StartedAt: start, LastActivityAt: start.Add(10 * time.Second), StdoutBytes: 10}

	tick := m.Poll(snap, start.Add(30*time.Second))
	assert.Equal(t, VerdictActive, tick.Assessment.Verdict)
	assert.False(t, tick.Transitioned)
	assert.Equal(t, "task-1", tick.Assessment.ProcessID)

	// Two idle low-rate checks past the early phase: second one is SLOW.
	tick = m.Poll(snap, start.Add(2*time.Minute))
	assert.Equal(t, VerdictActive, tick.Assessment.Verdict)
	tick = m.Poll(snap, start.Add(2*time.Minute+5*time.Second))
	assert.Equal(t, VerdictSlow, tick.Assessment.Verdict)
	assert.True(t, tick.Transitioned)
	assert.Equal(t, 2, tick.Assessment.Metrics.ConsecutiveSlowChecks)

	// A new progress marker brings it back.
	snap.ProgressMarkers = 1
	tick = m.Poll(snap, start.Add(2*time.Minute+10*time.Second))
	assert.Equal(t, VerdictActive, tick.Assessment.Verdict)
	assert.True(t, tick.Transitioned)
	assert.Equal(t, 1, tick.Assessment.Metrics.NewProgressMarkers)

	// The same marker count is not new progress.
	tick = m.Poll(snap, start.Add(2*time.Minute+15*time.Second))
	assert.Equal(t, 0, tick.Assessment.Metrics.NewProgressMarkers)

	tick = m.Poll(snap, start.Add(10*time.Minute))
	assert.Equal(t, VerdictDead, tick.Assessment.Verdict)
}

func TestHeartbeatMonitorWaitingTransitions(t *testing.T) {
	m := NewHeartbeatMonitor("task-1", testHeartbeatConfig())
	start := time.Now()
	snap := ProcessSnapshot{StartedAt: start, LastActivityAt: start}

	assert.False(t, m.Poll(snap, start.Add(time.Second)).StartedWaiting)

	snap.WaitingForInput = true
	assert.True(t, m.Poll(snap, start.Add(2*time.Second)).StartedWaiting)
	assert.False(t, m.Poll(snap, start.Add(3*time.Second)).StartedWaiting, "reported once")

	snap.WaitingForInput = false
	m.Poll(snap, start.Add(4*time.Second))
	snap.WaitingForInput = true
	assert.True(t, m.Poll(snap, start.Add(5*time.Second)).StartedWaiting, "reported again after output resumed")
}

func TestMatchProgress(t *testing.T) {
	markers, err := CompileMarkers(DefaultProgressMarkers)
	require.NoError(t, err)

	tests := []struct {
		chunk   string
		matched bool
	}{
		{"Analyzing src/app.py...", true},
		{"generating tests for module", true},
		{"def test_addition():", true},
		{"func TestParse(t *testing.T) {", true},
		{`describe("parser", () => {`, true},
		{`{"type":"assistant","message":{}}`, true},
		{"Reading package.json", true},
		{"hello world", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.chunk, func(t *testing.T) {
			_, ok := MatchProgress([]byte(tt.chunk), markers)
			assert.Equal(t, tt.matched, ok)
		})
	}

	_, err = CompileMarkers([]string{"("})
	assert.Error(t, err)
}

func TestLooksLikeInputPrompt(t *testing.T) {
	tests := []struct {
		name     string
		tail     string
		expected bool
	}{
		{"question", "Do you want to continue?", true},
		{"yes no", "Overwrite file (y/n)", true},
		{"bracketed", "Proceed [Y/n] ", true},
		{"colon prompt", "Enter API key: ", true},
		{"press enter", "Press Enter to continue", true},
		{"ansi colored", "\x1b[1mApprove?\x1b[0m ", true},
		{"after output lines", "line one\nline two\nContinue? ", true},
		{"terminated line", "Do you want to continue?\n", false},
		{"carriage return", "Progress 50%\r", false},
		{"plain output", "generated 3 tests", false},
		{"empty", "", false},
		{"whitespace", "   ", false},
		{"too long", string(make([]byte, 200)) + "?", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LooksLikeInputPrompt([]byte(tt.tail)))
		})
	}
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "ACTIVE", VerdictActive.String())
	assert.Equal(t, "SLOW", VerdictSlow.String())
	assert.Equal(t, "DEAD", VerdictDead.String())
}
