package poller

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wa-inbox/internal/domain"
)

var flagCodec = domain.Codec{Convention: domain.ConventionFlag}

func csvServer(t *testing.T, body *atomic.Value, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestPoller(t *testing.T, url string, codec domain.Codec, opts ...Option) *Poller {
	t.Helper()
	p, err := New(url, codec, opts...)
	require.NoError(t, err)
	return p
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(" ", flagCodec)
	require.Error(t, err)
}

func TestParseExport_FlagConvention(t *testing.T) {
	in := "Phone,Message,Timestamp,isOutbound\n" +
		"91A,hi,100,\n" +
		"91A,yo,50,1\n" +
		"91B,\"multi\nline, with comma\",70,0\n"

	msgs, diags := parseExport(strings.NewReader(in), flagCodec)
	require.Empty(t, diags)
	require.Equal(t, []domain.Message{
		{Phone: "91A", Text: "hi", Timestamp: 100, Direction: domain.Inbound},
		{Phone: "91A", Text: "yo", Timestamp: 50, Direction: domain.Outbound},
		{Phone: "91B", Text: "multi\nline, with comma", Timestamp: 70, Direction: domain.Inbound},
	}, msgs)
}

func TestParseExport_ThreeColumnSchemaDefaultsInbound(t *testing.T) {
	in := "Phone,Message,Time\n91A,hi,100\n"
	msgs, diags := parseExport(strings.NewReader(in), flagCodec)
	require.Empty(t, diags)
	require.Equal(t, []domain.Message{{Phone: "91A", Text: "hi", Timestamp: 100}}, msgs)
}

func TestParseExport_HeaderIsCaseInsensitiveAndBOMTolerant(t *testing.T) {
	in := "\ufeffphone, message ,TIMESTAMP,IsOutbound\n91A,hi,100,1\n"
	msgs, diags := parseExport(strings.NewReader(in), flagCodec)
	require.Empty(t, diags)
	require.Equal(t, []domain.Message{{Phone: "91A", Text: "hi", Timestamp: 100, Direction: domain.Outbound}}, msgs)
}

func TestParseExport_PrefixConvention(t *testing.T) {
	codec := domain.Codec{Convention: domain.ConventionPrefix, BotID: "1055"}
	in := "Phone,Message,Timestamp,isOutbound\n" +
		"1055,919876543210 - hello there,100,1\n" +
		"1055,status ping,101,1\n" +
		"919876543210,thanks,102,\n"

	msgs, diags := parseExport(strings.NewReader(in), codec)
	require.Empty(t, diags)
	require.Equal(t, []domain.Message{
		{Phone: "919876543210", Text: "hello there", Timestamp: 100, Direction: domain.Outbound},
		{Phone: "1055", Text: "status ping", Timestamp: 101, Direction: domain.Inbound},
		{Phone: "919876543210", Text: "thanks", Timestamp: 102, Direction: domain.Inbound},
	}, msgs)
}

func TestParseExport_Diagnostics(t *testing.T) {
	in := "Phone,Message,Timestamp,isOutbound\n" +
		",orphan,100,0\n" +
		"91A,bad time,abc,0\n" +
		"91B,ok,200,0\n"

	msgs, diags := parseExport(strings.NewReader(in), flagCodec)
	require.Len(t, diags, 2)

	var pe *ParseError
	require.ErrorAs(t, diags[0], &pe)
	require.Equal(t, 2, pe.Line)
	require.ErrorIs(t, diags[0], domain.ErrMissingPhone)

	var tsErr *domain.TimestampError
	require.ErrorAs(t, diags[1], &tsErr)
	require.Equal(t, "abc", tsErr.Raw)

	require.Equal(t, []domain.Message{
		{Phone: "91A", Text: "bad time", Timestamp: 0},
		{Phone: "91B", Text: "ok", Timestamp: 200},
	}, msgs)
}

func TestParseExport_Empty(t *testing.T) {
	msgs, diags := parseExport(strings.NewReader(""), flagCodec)
	require.Empty(t, diags)
	require.NotNil(t, msgs)
	require.Empty(t, msgs)
}

func TestPoll_WatermarkEqualityIsNoop(t *testing.T) {
	var body atomic.Value
	var hits atomic.Int32
	body.Store("Phone,Message,Timestamp,isOutbound\n91A,hi,100,0\n91B,yo,100,1\n")
	srv := csvServer(t, &body, &hits)
	p := newTestPoller(t, srv.URL, flagCodec)

	now := time.Unix(1700000000, 0)
	res, st, err := p.Poll(context.Background(), State{}, now)
	require.NoError(t, err)
	require.True(t, res.Updated)
	require.Len(t, res.Messages, 2)
	require.Equal(t, int64(100), st.LastMaxTimestamp)
	require.True(t, st.HasWatermark)

	res, st2, err := p.Poll(context.Background(), st, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, res.Unchanged)
	require.False(t, res.Updated)
	require.Nil(t, res.Messages)
	require.Equal(t, st.LastMaxTimestamp, st2.LastMaxTimestamp)
	require.Equal(t, int32(2), hits.Load())

	body.Store("Phone,Message,Timestamp,isOutbound\n91A,hi,100,0\n91B,yo,100,1\n91A,new,101,0\n")
	res, st3, err := p.Poll(context.Background(), st2, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, res.Updated)
	require.Len(t, res.Messages, 3)
	require.Equal(t, int64(101), st3.LastMaxTimestamp)
}

func TestPoll_FirstPollOfEmptyExportPublishes(t *testing.T) {
	var body atomic.Value
	var hits atomic.Int32
	body.Store("Phone,Message,Timestamp,isOutbound\n")
	srv := csvServer(t, &body, &hits)
	p := newTestPoller(t, srv.URL, flagCodec)

	res, st, err := p.Poll(context.Background(), State{}, time.Now())
	require.NoError(t, err)
	require.True(t, res.Updated)
	require.Empty(t, res.Messages)
	require.True(t, st.HasWatermark)
}

func TestPoll_MinIntervalDebounce(t *testing.T) {
	var body atomic.Value
	var hits atomic.Int32
	body.Store("Phone,Message,Timestamp,isOutbound\n91A,hi,100,0\n")
	srv := csvServer(t, &body, &hits)
	p := newTestPoller(t, srv.URL, flagCodec, WithMinInterval(30*time.Second))

	now := time.Unix(1700000000, 0)
	_, st, err := p.Poll(context.Background(), State{}, now)
	require.NoError(t, err)

	res, st2, err := p.Poll(context.Background(), st, now.Add(10*time.Second))
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, st, st2)
	require.Equal(t, int32(1), hits.Load())

	res, st3, err := p.Poll(context.Background(), st2, now.Add(30*time.Second))
	require.NoError(t, err)
	require.True(t, res.Unchanged)
	require.Equal(t, now.Add(30*time.Second), st3.LastFetch)
	require.Equal(t, int32(2), hits.Load())
}

func TestPoll_FetchErrorKeepsWatermark(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	p := newTestPoller(t, srv.URL, flagCodec)

	st := State{LastMaxTimestamp: 500, HasWatermark: true}
	now := time.Unix(1700000000, 0)
	res, next, err := p.Poll(context.Background(), st, now)
	require.Error(t, err)
	require.Equal(t, Result{}, res)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, http.StatusServiceUnavailable, fetchErr.HTTPStatusCode())
	require.Equal(t, int64(500), next.LastMaxTimestamp)
	require.True(t, next.HasWatermark)
	require.Equal(t, now, next.LastFetch)
}

func TestPoll_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := newTestPoller(t, url, flagCodec)
	_, _, err := p.Poll(context.Background(), State{}, time.Now())
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Zero(t, fetchErr.StatusCode)
	require.NotNil(t, errors.Unwrap(err))
}

func TestSendThenPollRoundTrip(t *testing.T) {
	codecs := []domain.Codec{
		{Convention: domain.ConventionFlag, BotID: "1055"},
		{Convention: domain.ConventionPrefix, BotID: "1055"},
	}
	texts := []string{"hello", "line one\nline two", "a - b, \"quoted\"", "=SUM(A1:A2)", "007 leading zero"}

	for _, codec := range codecs {
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		require.NoError(t, w.Write(domain.Header))
		for i, text := range texts {
			require.NoError(t, w.Write(codec.EncodeOutbound("919876543210", text, int64(1000+i))))
		}
		w.Flush()
		require.NoError(t, w.Error())

		msgs, diags := parseExport(&buf, codec)
		require.Empty(t, diags, "convention %s", codec.Convention)
		require.Len(t, msgs, len(texts))
		for i, m := range msgs {
			require.Equal(t, "919876543210", m.Phone, "convention %s", codec.Convention)
			require.Equal(t, texts[i], m.Text, "convention %s", codec.Convention)
			require.Equal(t, domain.Outbound, m.Direction, "convention %s", codec.Convention)
			require.Equal(t, int64(1000+i), m.Timestamp)
		}
	}
}

func TestRun_PollsImmediatelyAndOnRefresh(t *testing.T) {
	var body atomic.Value
	var hits atomic.Int32
	body.Store("Phone,Message,Timestamp,isOutbound\n91A,hi,100,0\n")
	srv := csvServer(t, &body, &hits)
	p := newTestPoller(t, srv.URL, flagCodec, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	refresh := make(chan struct{})
	results := make(chan Result, 4)
	done := make(chan State, 1)
	go func() {
		done <- p.Run(ctx, State{}, refresh, func(r Result) { results <- r })
	}()

	first := <-results
	require.True(t, first.Updated)
	require.Len(t, first.Messages, 1)

	body.Store("Phone,Message,Timestamp,isOutbound\n91A,hi,100,0\n91A,again,200,1\n")
	refresh <- struct{}{}
	second := <-results
	require.True(t, second.Updated)
	require.Len(t, second.Messages, 2)

	cancel()
	st := <-done
	require.Equal(t, int64(200), st.LastMaxTimestamp)
	require.Equal(t, int32(2), hits.Load())
}

func TestRun_FailedCycleKeepsLastSet(t *testing.T) {
	var status atomic.Int32
	var body atomic.Value
	status.Store(http.StatusOK)
	body.Store("Phone,Message,Timestamp,isOutbound\n91A,hi,100,0\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if code := int(status.Load()); code != http.StatusOK {
			http.Error(w, "backend error", code)
			return
		}
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()
	p := newTestPoller(t, srv.URL, flagCodec, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	refresh := make(chan struct{})
	results := make(chan Result, 4)
	done := make(chan State, 1)
	go func() {
		done <- p.Run(ctx, State{}, refresh, func(r Result) { results <- r })
	}()

	var latest Latest
	first := <-results
	require.True(t, latest.Apply(first))
	require.Len(t, latest.Messages, 1)

	status.Store(http.StatusInternalServerError)
	refresh <- struct{}{}
	failed := <-results
	require.Empty(t, failed.Messages)
	var fetchErr *FetchError
	require.ErrorAs(t, failed.Err, &fetchErr)
	require.Equal(t, http.StatusInternalServerError, fetchErr.StatusCode)
	require.True(t, latest.Apply(failed))
	require.Len(t, latest.Messages, 1, "failed cycle must not clear the displayed set")
	require.Equal(t, "hi", latest.Messages[0].Text)
	require.Error(t, latest.Err)

	status.Store(http.StatusOK)
	body.Store("Phone,Message,Timestamp,isOutbound\n91A,hi,100,0\n91A,back,200,1\n")
	refresh <- struct{}{}
	recovered := <-results
	require.True(t, recovered.Updated)
	require.True(t, latest.Apply(recovered))
	require.Len(t, latest.Messages, 2)
	require.NoError(t, latest.Err)

	cancel()
	st := <-done
	require.Equal(t, int64(200), st.LastMaxTimestamp)
}

func TestLatest_Apply(t *testing.T) {
	set := []domain.Message{{Phone: "91A", Text: "hi", Timestamp: 100}}
	var l Latest
	require.True(t, l.Apply(Result{Updated: true, Messages: set}))
	require.False(t, l.Apply(Result{Skipped: true}))
	require.True(t, l.Apply(Result{Unchanged: true}))
	require.Equal(t, set, l.Messages)

	require.True(t, l.Apply(Result{Err: errors.New("offline")}))
	require.Equal(t, set, l.Messages)
	require.EqualError(t, l.Err, "offline")

	require.True(t, l.Apply(Result{Unchanged: true}))
	require.NoError(t, l.Err)
}
