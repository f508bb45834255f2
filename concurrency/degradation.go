package concurrency

import (
	"bytes"
	"fmt"
	"sync"
	"text/template"

	"github.com/smtg-ai/genbatch/log"
)

// DegradationReason says why real execution was replaced.
type DegradationReason string

const (
	ReasonCircuitOpen      DegradationReason = "circuit-open"
	ReasonSpawnFailed      DegradationReason = "spawn-failed"
	ReasonNonRetryable     DegradationReason = "non-retryable"
	ReasonRetriesExhausted DegradationReason = "retries-exhausted"
)

// PlaceholderRequest is the input of a placeholder strategy.
type PlaceholderRequest struct {
	TaskID     string
	Priority   int
	Payload    any
	Reason     DegradationReason
	ErrorClass ErrorClass
	Attempts   int
}

// PlaceholderStrategy renders a stand-in output. Implementations must be
// deterministic: the same request yields the same text.
type PlaceholderStrategy interface {
	Name() string
	Placeholder(req PlaceholderRequest) (string, error)
}

// DefaultPlaceholderTemplate marks the output so it cannot be mistaken for
// generated content.
const DefaultPlaceholderTemplate = `# GENBATCH DEGRADED PLACEHOLDER
# task: {{.TaskID}}
# reason: {{.Reason}}{{if .ErrorClass}} ({{.ErrorClass}}){{end}}
# attempts: {{.Attempts}}
# Real generation was not performed. Re-run this task to replace this file.
`

// TemplateStrategy renders placeholders with text/template.
type TemplateStrategy struct {
	tmpl *template.Template
}

// NewTemplateStrategy parses text. An empty text uses DefaultPlaceholderTemplate.
func NewTemplateStrategy(text string) (*TemplateStrategy, error) {
	if text == "" {
		text = DefaultPlaceholderTemplate
	}
	t, err := template.New("placeholder").Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse placeholder template: %w", err)
	}
	return &TemplateStrategy{tmpl: t}, nil
}

func (s *TemplateStrategy) Name() string { return "template" }

func (s *TemplateStrategy) Placeholder(req PlaceholderRequest) (string, error) {
	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("failed to execute placeholder template: %w", err)
	}
	return buf.String(), nil
}

// StubStrategy produces a minimal one-line marker.
type StubStrategy struct{}

func (StubStrategy) Name() string { return "stub" }

func (StubStrategy) Placeholder(req PlaceholderRequest) (string, error) {
	return fmt.Sprintf("[degraded:%s:%s]", req.TaskID, req.Reason), nil
}

// NewPlaceholderStrategy selects a strategy by name.
func NewPlaceholderStrategy(name, templateText string) (PlaceholderStrategy, error) {
	switch name {
	case "", "template":
		return NewTemplateStrategy(templateText)
	case "stub":
		return StubStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown degradation strategy %q", name)
	}
}

// DegradationController turns unsuccessful tasks into flagged placeholder
// results. One controller serves one batch.
type DegradationController struct {
	enabled  bool
	strategy PlaceholderStrategy

	once      sync.Once
	activated bool
}

// NewDegradationController creates a controller. A nil strategy uses the
// default template.
func NewDegradationController(enabled bool, strategy PlaceholderStrategy) *DegradationController {
	if strategy == nil {
		strategy, _ = NewTemplateStrategy("")
	}
	return &DegradationController{enabled: enabled, strategy: strategy}
}

// Enabled reports whether degradation applies at all.
func (d *DegradationController) Enabled() bool {
	return d.enabled
}

// Strategy returns the configured strategy name.
func (d *DegradationController) Strategy() string {
	return d.strategy.Name()
}

// Degrade renders the placeholder for req. first is true exactly once per
// controller, on the first activation. A failing strategy falls back to the
// stub so a degraded result is always produced.
func (d *DegradationController) Degrade(req PlaceholderRequest) (output string, first bool) {
	d.once.Do(func() {
		first = true
		d.activated = true
		log.WarningLog.Printf("degradation enabled (%s strategy), first task %s: %s", d.strategy.Name(), req.TaskID, req.Reason)
	})
	out, err := d.strategy.Placeholder(req)
	if err != nil {
		log.ErrorLog.Printf("task %s: placeholder strategy %s failed: %v", req.TaskID, d.strategy.Name(), err)
		out, _ = StubStrategy{}.Placeholder(req)
	}
	return out, first
}

// Activated reports whether any task was degraded.
func (d *DegradationController) Activated() bool {
	return d.activated
}
