package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sipkit/core"
)

// Sink posts event JSON to a fixed set of URLs. Deliveries run on the
// caller's goroutine, so register it on an async bus.
type Sink struct {
	urls    []string
	http    *http.Client
	only    []core.EventType
	retries uint64
	log     *slog.Logger

	failures atomic.Int64
}

type Option func(*Sink)

// WithClient replaces the default client, which times out after 2s.
func WithClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.http = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.log = l
		}
	}
}

// WithEventTypes drops every event whose type is not listed.
func WithEventTypes(types ...core.EventType) Option {
	return func(s *Sink) { s.only = slices.Clone(types) }
}

// WithRetries retries transport errors and 5xx answers up to n more times
// per URL. Zero disables retrying.
func WithRetries(n int) Option {
	return func(s *Sink) {
		if n >= 0 {
			s.retries = uint64(n)
		}
	}
}

func New(urls []string, opts ...Option) *Sink {
	s := &Sink{
		urls:    slices.Clone(urls),
		http:    &http.Client{Timeout: 2 * time.Second},
		retries: 2,
		log:     slog.Default(),
	}
	for _, apply := range opts {
		apply(s)
	}
	return s
}

// Failures counts URLs that never accepted an event.
func (s *Sink) Failures() int64 { return s.failures.Load() }

// OnEvent delivers e to every URL. Errors are logged and counted only.
func (s *Sink) OnEvent(ctx context.Context, e core.Event) {
	if len(s.urls) == 0 || (s.only != nil && !slices.Contains(s.only, e.Type)) {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		s.log.Error("webhook: encode event", "type", e.Type, "error", err)
		return
	}
	for _, url := range s.urls {
		if err := s.deliver(ctx, url, e.Type, payload); err != nil {
			s.failures.Add(1)
			s.log.Warn("webhook: delivery failed",
				"url", url, "type", e.Type, "user_id", e.UserID, "error", err)
		}
	}
}

func (s *Sink) deliver(ctx context.Context, url string, typ core.EventType, payload []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(func() error {
		return s.post(ctx, url, typ, payload)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, s.retries), ctx))
}

// post makes one attempt. Only 5xx answers and transport errors are worth
// another try.
func (s *Sink) post(ctx context.Context, url string, typ core.EventType, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sipkit-Event", string(typ))

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 300 || resp.StatusCode < 200:
		return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}
