package concurrency

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/smtg-ai/genbatch/log"
)

// DefaultWebhookKinds are the events a WebhookNotifier forwards when none
// are configured.
var DefaultWebhookKinds = []EventKind{EventBatchComplete, EventDegradationEnabled}

// validateWebhookURL validates a webhook URL to prevent SSRF attacks
func validateWebhookURL(webhookURL string) error {
	parsedURL, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: only http/https allowed")
	}
	if parsedURL.User != nil {
		return fmt.Errorf("credentials in URL not allowed")
	}
	return nil
}

// WebhookNotifier is an Observer that POSTs selected events as JSON. Sends
// happen on its own goroutine so the event dispatcher is never blocked by
// the network; failed sends are retried with the retry policy's backoff.
type WebhookNotifier struct {
	webhookURL string
	client     *http.Client
	kinds      map[EventKind]bool
	retry      *RetryPolicy

	mu      sync.Mutex
	pending []Event
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewWebhookNotifier creates a notifier for webhookURL. A nil retry policy
// gets three attempts with a one second initial delay.
func NewWebhookNotifier(webhookURL string, kinds []EventKind, retry *RetryPolicy) (*WebhookNotifier, error) {
	if err := validateWebhookURL(webhookURL); err != nil {
		return nil, err
	}
	if len(kinds) == 0 {
		kinds = DefaultWebhookKinds
	}
	if retry == nil {
		retry = NewRetryPolicy(RetryPolicyConfig{InitialDelay: time.Second, MaxAttempts: 3, Jitter: true})
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &WebhookNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		kinds:   make(map[EventKind]bool, len(kinds)),
		retry:   retry,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, k := range kinds {
		n.kinds[k] = true
	}
	go n.run()
	return n, nil
}

func (n *WebhookNotifier) OnEvent(e Event) {
	if !n.kinds[e.Kind] {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.pending = append(n.pending, e)
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Close sends what is queued, waiting at most timeout, then stops.
func (n *WebhookNotifier) Close(timeout time.Duration) {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		select {
		case n.wake <- struct{}{}:
		default:
		}
	}
	n.mu.Unlock()

	select {
	case <-n.stopped:
	case <-time.After(timeout):
		log.WarningLog.Printf("webhook: giving up on pending notifications after %s", timeout)
		n.cancel()
		<-n.stopped
	}
}

func (n *WebhookNotifier) run() {
	defer close(n.stopped)
	for {
		n.mu.Lock()
		batch := n.pending
		n.pending = nil
		closed := n.closed
		n.mu.Unlock()

		for _, e := range batch {
			n.deliver(e)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-n.wake
		}
	}
}

func (n *WebhookNotifier) deliver(e Event) {
	for attempt := 1; ; attempt++ {
		err := n.send(e)
		if err == nil {
			return
		}
		decision := n.retry.Decide(attempt, ClassNetwork)
		if !decision.Retry {
			log.ErrorLog.Printf("webhook: dropping %s after %d attempt(s): %v", e.Kind, attempt, err)
			return
		}
		log.WarningLog.Printf("webhook: %s attempt %d failed: %v", e.Kind, attempt, err)
		select {
		case <-time.After(decision.Delay):
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *WebhookNotifier) send(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
