// Package notify delivers incident and pipeline-failure events to
// configured webhooks.
package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/netguard"
)

// Event names.
const (
	EventIncident        = "incident"
	EventPipelineFailure = "pipeline_failure"
)

// Per-webhook delivery budget: a burst of 5, then one per second.
const (
	deliveryBurst = 5
	deliveryEvery = time.Second
)

// Event is the payload sent to webhook endpoints.
type Event struct {
	Event     string  `json:"event"`
	ID        string  `json:"id"`
	Source    string  `json:"source,omitempty"`
	Target    string  `json:"target,omitempty"`
	Severity  string  `json:"severity,omitempty"`
	Summary   string  `json:"summary"`
	RiskScore float64 `json:"risk_score"`
	Timestamp string  `json:"timestamp"`
}

type webhook struct {
	config.Webhook
	limiter *rate.Limiter
}

// Notifier sends events to webhooks without blocking the caller.
type Notifier struct {
	hooks   []webhook
	client  *http.Client
	logger  *slog.Logger
	wg      sync.WaitGroup
	mu      sync.Mutex
	dropped int
}

// New creates a notifier. URLs that fail the SSRF guard are logged and
// skipped.
func New(hooks []config.Webhook, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	var valid []config.Webhook
	for _, wh := range hooks {
		if err := netguard.ValidateURL(wh.URL); err != nil {
			logger.Warn("skipping invalid webhook URL", "url", wh.URL, "error", err)
			continue
		}
		valid = append(valid, wh)
	}
	return newNotifier(valid, netguard.NewClient(5*time.Second), logger)
}

func newNotifier(hooks []config.Webhook, client *http.Client, logger *slog.Logger) *Notifier {
	n := &Notifier{client: client, logger: logger}
	for _, wh := range hooks {
		n.hooks = append(n.hooks, webhook{
			Webhook: wh,
			limiter: rate.NewLimiter(rate.Every(deliveryEvery), deliveryBurst),
		})
	}
	return n
}

// Len returns the number of active webhooks.
func (n *Notifier) Len() int { return len(n.hooks) }

// Notify sends ev to every webhook subscribed to ev.Event. Deliveries over
// a webhook's rate budget are dropped and counted.
func (n *Notifier) Notify(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	for i := range n.hooks {
		wh := &n.hooks[i]
		if !matchesEvent(wh.Events, ev.Event) {
			continue
		}
		if !wh.limiter.Allow() {
			n.mu.Lock()
			n.dropped++
			n.mu.Unlock()
			n.logger.Warn("webhook rate limited, event dropped", "url", wh.URL, "event", ev.Event, "id", ev.ID)
			continue
		}
		body, err := n.body(wh.Template, ev)
		if err != nil {
			n.logger.Error("webhook marshal failed", "error", err)
			continue
		}
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			n.send(url, body)
		}(wh.URL)
	}
}

// Dropped returns how many deliveries were rate limited.
func (n *Notifier) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() { n.wg.Wait() }

func (n *Notifier) body(tmpl string, ev Event) ([]byte, error) {
	if tmpl != "" {
		return []byte(RenderTemplate(tmpl, ev)), nil
	}
	return json.Marshal(ev)
}

// RenderTemplate replaces {{TAG}} placeholders and wraps the text in
// Slack-compatible JSON: {"text":"..."}.
func RenderTemplate(tmpl string, ev Event) string {
	r := strings.NewReplacer(
		"{{EVENT}}", ev.Event,
		"{{ID}}", ev.ID,
		"{{SOURCE}}", ev.Source,
		"{{TARGET}}", ev.Target,
		"{{SEVERITY}}", ev.Severity,
		"{{SUMMARY}}", ev.Summary,
		"{{TIMESTAMP}}", ev.Timestamp,
	)
	payload, _ := json.Marshal(map[string]string{"text": r.Replace(tmpl)})
	return string(payload)
}

// DefaultTemplate is a plain-text layout for chat webhooks.
const DefaultTemplate = "*{{EVENT}}* ({{SEVERITY}})\n• {{SUMMARY}}\n• Source: {{SOURCE}}\n• ID: {{ID}}"

func (n *Notifier) send(url string, body []byte) {
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook delivery failed", "url", url, "error", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		n.logger.Warn("webhook returned error", "url", url, "status", resp.StatusCode)
	}
}

func matchesEvent(configured []string, event string) bool {
	if len(configured) == 0 {
		return true
	}
	for _, e := range configured {
		if e == event {
			return true
		}
	}
	return false
}
