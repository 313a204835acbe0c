package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/netguard"
)

// Transfer is what a pipeline hands to its transport after the payload has
// been protected and tagged.
type Transfer struct {
	ID           string `json:"id"`
	Pipeline     string `json:"pipeline"`
	Destination  string `json:"destination"`
	IntegrityTag string `json:"integrity_tag"`
	Signature    string `json:"signature"`
	Body         []byte `json:"body"`
}

// Transport delivers a transfer to its destination. Send must honour ctx;
// the processor bounds every call with the configured transfer timeout.
type Transport interface {
	Send(ctx context.Context, t Transfer) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, t Transfer) error

// Send calls f(ctx, t).
func (f TransportFunc) Send(ctx context.Context, t Transfer) error { return f(ctx, t) }

// NewTransport builds the transport named by opts.Transport.
func NewTransport(opts config.PipelineOptions, logger *slog.Logger) (Transport, error) {
	switch opts.Transport {
	case "", "log":
		return &LogTransport{logger: logger}, nil
	case "memory":
		return &MemoryTransport{}, nil
	case "http":
		return NewHTTPTransport(opts.Endpoints, opts.TransferTimeout)
	}
	return nil, fmt.Errorf("unknown pipeline transport %q", opts.Transport)
}

// LogTransport records transfers in the log and delivers nothing.
type LogTransport struct {
	logger *slog.Logger
}

// Send logs t.
func (l *LogTransport) Send(ctx context.Context, t Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := l.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("pipeline transfer",
		"pipeline", t.Pipeline,
		"destination", t.Destination,
		"integrity_tag", t.IntegrityTag,
		"bytes", len(t.Body),
	)
	return nil
}

// MemoryTransport keeps every transfer in memory.
type MemoryTransport struct {
	mu   sync.Mutex
	sent []Transfer
	err  error
}

// Send stores t, or returns the error set by FailWith.
func (m *MemoryTransport) Send(ctx context.Context, t Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, t)
	return nil
}

// FailWith makes subsequent sends return err. nil restores delivery.
func (m *MemoryTransport) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Sent returns a copy of the delivered transfers.
func (m *MemoryTransport) Sent() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transfer(nil), m.sent...)
}

// HTTPTransport POSTs the protected payload to the endpoint configured for
// the pipeline's destination.
type HTTPTransport struct {
	endpoints map[string]string
	client    *http.Client
}

// NewHTTPTransport validates every endpoint against the SSRF guard and
// returns a transport whose client re-checks resolved addresses at dial time.
func NewHTTPTransport(endpoints map[string]string, timeout time.Duration) (*HTTPTransport, error) {
	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := netguard.ValidateURL(endpoints[name]); err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", name, err)
		}
	}
	return &HTTPTransport{endpoints: endpoints, client: netguard.NewClient(timeout)}, nil
}

// Send POSTs t.Body to the destination's endpoint.
func (h *HTTPTransport) Send(ctx context.Context, t Transfer) error {
	url, ok := h.endpoints[t.Destination]
	if !ok {
		return fmt.Errorf("no endpoint configured for destination %q", t.Destination)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(t.Body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", t.ID)
	req.Header.Set("X-Riskgate-Pipeline", t.Pipeline)
	req.Header.Set("X-Riskgate-Integrity", t.IntegrityTag)
	req.Header.Set("X-Riskgate-Signature", t.Signature)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending to %s: %w", t.Destination, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", t.Destination, resp.StatusCode)
	}
	return nil
}
