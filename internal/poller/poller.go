// Package poller fetches the published CSV export of the message log,
// normalizes it, and suppresses redundant updates with a timestamp
// watermark.
package poller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wa-inbox/internal/domain"
	"wa-inbox/internal/metrics"
)

const (
	defaultInterval = 5 * time.Second
	maxExportBytes  = 32 << 20
)

// State is the poll loop's memory between cycles. It is reset on restart.
type State struct {
	LastMaxTimestamp int64
	HasWatermark     bool
	LastFetch        time.Time
}

// Result is the outcome of one poll cycle. Exactly one of Updated,
// Unchanged, or Skipped is set on success. Messages is only populated when
// Updated.
type Result struct {
	Messages     []domain.Message
	MaxTimestamp int64
	Updated      bool
	Unchanged    bool
	Skipped      bool
	Diagnostics  []error
	// Err is set only on results Run publishes for a failed cycle.
	Err error
}

// FetchError reports a failed export download. The caller keeps showing the
// previously published messages.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("poller: fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("poller: fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) HTTPStatusCode() int { return e.StatusCode }

type Poller struct {
	url         string
	httpClient  *http.Client
	codec       domain.Codec
	interval    time.Duration
	minInterval time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Poller)

func WithHTTPClient(client *http.Client) Option {
	return func(p *Poller) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithInterval sets the tick period used by Run.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMinInterval suppresses fetches issued sooner than d after the previous
// one. Zero disables the guard.
func WithMinInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d >= 0 {
			p.minInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

func New(exportURL string, codec domain.Codec, opts ...Option) (*Poller, error) {
	if strings.TrimSpace(exportURL) == "" {
		return nil, errors.New("poller: export url must not be empty")
	}
	p := &Poller{
		url:        exportURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		codec:      codec,
		interval:   defaultInterval,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Poll runs one cycle against st and returns the next state. A fetch failure
// leaves the watermark untouched.
func (p *Poller) Poll(ctx context.Context, st State, now time.Time) (Result, State, error) {
	if p.minInterval > 0 && !st.LastFetch.IsZero() && now.Sub(st.LastFetch) < p.minInterval {
		p.logger.DebugContext(ctx, "poll skipped", "since_last", now.Sub(st.LastFetch))
		metrics.PollsTotal.WithLabelValues("skipped").Inc()
		return Result{Skipped: true}, st, nil
	}
	st.LastFetch = now

	start := time.Now()
	body, err := p.fetch(ctx)
	metrics.UpstreamLatency.WithLabelValues("csv_export").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PollsTotal.WithLabelValues("fetch_error").Inc()
		return Result{}, st, err
	}

	msgs, diags := parseExport(bytes.NewReader(body), p.codec)
	if len(diags) > 0 {
		metrics.ParseDiagnosticsTotal.Add(float64(len(diags)))
	}
	res := Result{MaxTimestamp: maxTimestamp(msgs), Diagnostics: diags}

	if st.HasWatermark && res.MaxTimestamp <= st.LastMaxTimestamp {
		res.Unchanged = true
		metrics.PollsTotal.WithLabelValues("unchanged").Inc()
		return res, st, nil
	}
	st.LastMaxTimestamp = res.MaxTimestamp
	st.HasWatermark = true
	res.Messages = msgs
	res.Updated = true
	metrics.PollsTotal.WithLabelValues("updated").Inc()
	return res, st, nil
}

// Run polls immediately, then on every tick and every refresh request, until
// ctx is done. Cycles never overlap. publish receives every cycle's result;
// a failed cycle carries Err and no messages, so subscribers keep the last
// published set.
func (p *Poller) Run(ctx context.Context, st State, refresh <-chan struct{}, publish func(Result)) State {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	cycle := func() {
		res, next, err := p.Poll(ctx, st, p.now())
		st = next
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WarnContext(ctx, "poll failed", "err", err)
			if publish != nil {
				publish(Result{Err: err})
			}
			return
		}
		for _, d := range res.Diagnostics {
			p.logger.WarnContext(ctx, "export row diagnostic", "err", d)
		}
		if res.Updated {
			p.logger.InfoContext(ctx, "messages updated", "count", len(res.Messages), "watermark", st.LastMaxTimestamp)
		}
		if publish != nil {
			publish(res)
		}
	}

	cycle()
	for {
		select {
		case <-ctx.Done():
			return st
		case <-ticker.C:
			cycle()
		case <-refresh:
			cycle()
		}
	}
}

// Latest is the message set a subscriber displays. Only an updated result
// replaces it; a failed cycle records Err over the previous set.
type Latest struct {
	Messages []domain.Message
	Err      error
}

// Apply folds one published Result in and reports whether the subscriber
// should redraw. Skipped cycles change nothing.
func (l *Latest) Apply(r Result) bool {
	switch {
	case r.Skipped:
		return false
	case r.Err != nil:
		l.Err = r.Err
		return true
	case r.Updated:
		l.Messages = r.Messages
	}
	l.Err = nil
	return true
}

func (p *Poller) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, &FetchError{URL: p.url, Err: err}
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: p.url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxExportBytes))
	if err != nil {
		return nil, &FetchError{URL: p.url, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: p.url, StatusCode: resp.StatusCode}
	}
	return body, nil
}

func maxTimestamp(msgs []domain.Message) int64 {
	var highest int64
	for _, m := range msgs {
		if m.Timestamp > highest {
			highest = m.Timestamp
		}
	}
	return highest
}
