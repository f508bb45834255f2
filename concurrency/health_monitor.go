package concurrency

import (
	"bytes"
	"fmt"
	"regexp"
	"time"
)

// Verdict is the health classification of a running process.
type Verdict int

const (
	// VerdictActive indicates the process is making progress
	VerdictActive Verdict = iota
	// VerdictSlow indicates repeated low-activity checks
	VerdictSlow
	// VerdictDead indicates the process should be terminated
	VerdictDead
)

// String returns the string representation of Verdict
func (v Verdict) String() string {
	switch v {
	case VerdictActive:
		return "ACTIVE"
	case VerdictSlow:
		return "SLOW"
	case VerdictDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the verdict name.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText parses a verdict name written by MarshalText.
func (v *Verdict) UnmarshalText(text []byte) error {
	for _, c := range []Verdict{VerdictActive, VerdictSlow, VerdictDead} {
		if c.String() == string(text) {
			*v = c
			return nil
		}
	}
	return fmt.Errorf("unknown verdict %q", text)
}

// DefaultProgressMarkers are the tokens code-generation CLIs print while
// they are working even when byte throughput is low.
var DefaultProgressMarkers = []string{
	`(?i)\banaly[sz]ing\b`,
	`(?i)\bgenerating\b`,
	`(?i)\b(reading|writing|editing)\s+\S+`,
	`(?i)\brunning\s+\S+`,
	`(?i)\bthinking\b`,
	`\bdef test_\w+`,
	`\bfunc Test\w+`,
	`\b(describe|it|test)\(\s*['"]`,
	`"type"\s*:\s*"(assistant|tool_use|tool_result)"`,
}

// HeartbeatConfig holds the health heuristics thresholds.
type HeartbeatConfig struct {
	// PollInterval is how often a running process is sampled.
	PollInterval time.Duration
	// EarlyPhase is the startup window during which nothing is SLOW or DEAD.
	EarlyPhase time.Duration
	// ActivityCeiling is the idle time after which a low output rate counts
	// as a slow check.
	ActivityCeiling time.Duration
	// MinOutputRate is the output rate floor in bytes per second.
	MinOutputRate float64
	// SlowThreshold is the number of consecutive slow checks tolerated
	// before the verdict becomes SLOW.
	SlowThreshold int
	// DeadAfter is the idle time after which the process is DEAD unless it
	// is waiting for input.
	DeadAfter time.Duration
	// Markers are regular expressions matched against output chunks.
	Markers []string
}

// DefaultHeartbeatConfig returns conservative defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		PollInterval:    5 * time.Second,
		EarlyPhase:      60 * time.Second,
		ActivityCeiling: 30 * time.Second,
		MinOutputRate:   1.0,
		SlowThreshold:   3,
		DeadAfter:       3 * time.Minute,
		Markers:         DefaultProgressMarkers,
	}
}

func (c HeartbeatConfig) withDefaults() HeartbeatConfig {
	def := DefaultHeartbeatConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.EarlyPhase < 0 {
		c.EarlyPhase = 0
	}
	if c.ActivityCeiling <= 0 {
		c.ActivityCeiling = def.ActivityCeiling
	}
	if c.MinOutputRate < 0 {
		c.MinOutputRate = 0
	}
	if c.SlowThreshold < 0 {
		c.SlowThreshold = 0
	}
	if c.DeadAfter <= 0 {
		c.DeadAfter = def.DeadAfter
	}
	if c.Markers == nil {
		c.Markers = def.Markers
	}
	return c
}

// HeartbeatSample is the input of the health classifier.
type HeartbeatSample struct {
	SinceStart            time.Duration
	SinceActivity         time.Duration
	OutputRate            float64
	NewProgressMarkers    int
	WaitingForInput       bool
	ConsecutiveSlowChecks int
}

// HealthMetrics are the numbers behind a verdict.
type HealthMetrics struct {
	SinceStart            time.Duration `json:"since_start_ns"`
	SinceActivity         time.Duration `json:"since_activity_ns"`
	OutputRate            float64       `json:"output_rate"`
	NewProgressMarkers    int           `json:"new_progress_markers"`
	WaitingForInput       bool          `json:"waiting_for_input"`
	ConsecutiveSlowChecks int           `json:"consecutive_slow_checks"`
}

// HealthAssessment is produced fresh on every poll tick.
type HealthAssessment struct {
	ProcessID string        `json:"process_id"`
	Verdict   Verdict       `json:"verdict"`
	Reason    string        `json:"reason"`
	Metrics   HealthMetrics `json:"metrics"`
}

// Classify is the pure health classifier. It returns the verdict, a reason,
// and the updated consecutive slow check count.
func Classify(cfg HeartbeatConfig, s HeartbeatSample) (Verdict, string, int) {
	if s.SinceStart < cfg.EarlyPhase {
		return VerdictActive, "early phase", 0
	}
	if s.NewProgressMarkers > 0 {
		return VerdictActive, "progress marker", 0
	}

	if s.SinceActivity >= cfg.DeadAfter && !s.WaitingForInput {
		return VerdictDead, fmt.Sprintf("no activity for %s", s.SinceActivity.Round(time.Millisecond)), s.ConsecutiveSlowChecks
	}

	slow := 0
	if s.OutputRate < cfg.MinOutputRate && s.SinceActivity > cfg.ActivityCeiling {
		slow = s.ConsecutiveSlowChecks + 1
	}

	reason := "active"
	if s.WaitingForInput {
		reason = "waiting for input"
	}
	if slow > cfg.SlowThreshold {
		if !s.WaitingForInput {
			reason = fmt.Sprintf("%d consecutive slow checks (%.2f B/s)", slow, s.OutputRate)
		}
		return VerdictSlow, reason, slow
	}
	return VerdictActive, reason, slow
}

// HeartbeatMonitor keeps the per-process counters between poll ticks. Each
// ProcessHandle gets exactly one monitor for its lifetime.
type HeartbeatMonitor struct {
	cfg       HeartbeatConfig
	processID string

	slowChecks      int
	seenMarkers     int
	last            Verdict
	waitingReported bool
}

// NewHeartbeatMonitor creates a monitor for one process.
func NewHeartbeatMonitor(processID string, cfg HeartbeatConfig) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		cfg:       cfg.withDefaults(),
		processID: processID,
		last:      VerdictActive,
	}
}

// HeartbeatTick is the monitor's view of one poll.
type HeartbeatTick struct {
	Assessment HealthAssessment
	// Transitioned is set when the verdict differs from the previous tick.
	Transitioned bool
	// StartedWaiting is set on the first tick that observes an input prompt.
	StartedWaiting bool
}

// Poll samples a process snapshot at now and classifies it.
func (m *HeartbeatMonitor) Poll(snap ProcessSnapshot, now time.Time) HeartbeatTick {
	sinceStart := now.Sub(snap.StartedAt)
	last := snap.LastActivityAt
	if last.IsZero() {
		last = snap.StartedAt
	}
	sinceActivity := now.Sub(last)

	rate := 0.0
	if secs := sinceStart.Seconds(); secs > 0 {
		rate = float64(snap.StdoutBytes+snap.StderrBytes) / secs
	}

	sample := HeartbeatSample{
		SinceStart:            sinceStart,
		SinceActivity:         sinceActivity,
		OutputRate:            rate,
		NewProgressMarkers:    snap.ProgressMarkers - m.seenMarkers,
		WaitingForInput:       snap.WaitingForInput,
		ConsecutiveSlowChecks: m.slowChecks,
	}
	verdict, reason, slow := Classify(m.cfg, sample)
	m.slowChecks = slow
	m.seenMarkers = snap.ProgressMarkers
	sample.ConsecutiveSlowChecks = slow

	tick := HeartbeatTick{
		Assessment: HealthAssessment{
			ProcessID: m.processID,
			Verdict:   verdict,
			Reason:    reason,
			Metrics:   HealthMetrics(sample),
		},
		Transitioned: verdict != m.last,
	}
	m.last = verdict

	if snap.WaitingForInput && !m.waitingReported {
		m.waitingReported = true
		tick.StartedWaiting = true
	} else if !snap.WaitingForInput {
		m.waitingReported = false
	}
	return tick
}

// CompileMarkers compiles progress marker patterns.
func CompileMarkers(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid progress marker %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// MatchProgress reports the first marker found in chunk, if any.
func MatchProgress(chunk []byte, markers []*regexp.Regexp) (string, bool) {
	for _, re := range markers {
		if loc := re.FindIndex(chunk); loc != nil {
			return string(chunk[loc[0]:loc[1]]), true
		}
	}
	return "", false
}

// maxPromptLine is the longest final line still considered prompt-shaped.
const maxPromptLine = 160

var (
	ansiRegex   = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)
	promptRegex = regexp.MustCompile(`(?i)([?:>$#]\s*$|\((y/n|yes/no)\)|\[(y/n|Y/n|y/N)\]|press enter|continue\?)`)
)

// LooksLikeInputPrompt reports whether the tail of a process's output is a
// short prompt with no trailing line terminator.
func LooksLikeInputPrompt(tail []byte) bool {
	if len(tail) == 0 {
		return false
	}
	if c := tail[len(tail)-1]; c == '\n' || c == '\r' {
		return false
	}
	line := tail
	if i := bytes.LastIndexAny(tail, "\r\n"); i >= 0 {
		line = tail[i+1:]
	}
	line = ansiRegex.ReplaceAll(line, nil)
	line = bytes.TrimLeft(line, " \t")
	if len(bytes.TrimSpace(line)) == 0 || len(line) > maxPromptLine {
		return false
	}
	return promptRegex.Match(line)
}
