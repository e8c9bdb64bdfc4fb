package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Exporter ships rollups to an external system.
type Exporter interface {
	Export(ctx context.Context, r *Rollup) error
	Flush(ctx context.Context) error
	Close() error
}

// HTTPExporter buffers rollups and POSTs them as a JSON array once the batch
// is full or on Flush.
type HTTPExporter struct {
	endpoint  string
	apiKey    string
	client    *http.Client
	batchSize int

	mu     sync.Mutex
	buffer []*Rollup
}

func NewHTTPExporter(endpoint, apiKey string, batchSize int) *HTTPExporter {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &HTTPExporter{
		endpoint:  endpoint,
		apiKey:    apiKey,
		client:    &http.Client{Timeout: 30 * time.Second},
		batchSize: batchSize,
	}
}

func (e *HTTPExporter) Export(ctx context.Context, r *Rollup) error {
	e.mu.Lock()
	e.buffer = append(e.buffer, r)
	full := len(e.buffer) >= e.batchSize
	e.mu.Unlock()
	if full {
		return e.Flush(ctx)
	}
	return nil
}

// Flush sends the buffered batch. On failure the batch is kept for the next
// attempt.
func (e *HTTPExporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.buffer) == 0 {
		return nil
	}

	payload, err := json.Marshal(e.buffer)
	if err != nil {
		return fmt.Errorf("marshal rollups: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send rollups: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("analytics export failed with status %d: %s", resp.StatusCode, string(body))
	}
	e.buffer = e.buffer[:0]
	return nil
}

func (e *HTTPExporter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Flush(ctx)
}

// WriterExporter writes one JSON line per rollup.
type WriterExporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{enc: json.NewEncoder(w)}
}

func (e *WriterExporter) Export(_ context.Context, r *Rollup) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(r)
}

func (e *WriterExporter) Flush(context.Context) error { return nil }
func (e *WriterExporter) Close() error { return nil }

// MultiExporter forwards to every exporter and joins their errors.
type MultiExporter struct{ exporters []Exporter }

func NewMultiExporter(exporters ...Exporter) *MultiExporter {
	return &MultiExporter{exporters: exporters}
}

func (m *MultiExporter) Export(ctx context.Context, r *Rollup) error {
	var errs []error
	for _, e := range m.exporters {
		errs = append(errs, e.Export(ctx, r))
	}
	return errors.Join(errs...)
}

func (m *MultiExporter) Flush(ctx context.Context) error {
	var errs []error
	for _, e := range m.exporters {
		errs = append(errs, e.Flush(ctx))
	}
	return errors.Join(errs...)
}

func (m *MultiExporter) Close() error {
	var errs []error
	for _, e := range m.exporters {
		errs = append(errs, e.Close())
	}
	return errors.Join(errs...)
}
