package processor

import (
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/logging"
	"github.com/drblury/presto/internal/runtime/metrics"
	"github.com/drblury/presto/transport"
	"github.com/drblury/presto/transport/memory"
)

type capture struct {
	mu       sync.Mutex
	bodies   []string
	headers  []nethttp.Header
	status   int
	delay    time.Duration
	requests int
}

func (c *capture) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.requests++
	c.bodies = append(c.bodies, string(body))
	c.headers = append(c.headers, r.Header.Clone())
	status, delay := c.status, c.delay
	c.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if status == 0 {
		status = nethttp.StatusOK
	}
	w.WriteHeader(status)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

type fixture struct {
	backend   *memory.Backend
	metrics   *metrics.Metrics
	processor *Processor
	output    transport.Handle
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		backend: memory.New(memory.Config{PollTimeout: 10 * time.Millisecond}),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	require.NoError(t, f.metrics.Register())
	opts.Kind = "echo"
	p, err := New(context.Background(), Dependencies{
		Backend: f.backend,
		Metrics: f.metrics,
		Logger:  logging.NewNopLogger(),
	}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	f.processor = p
	f.output = p.output
	return f
}

func (f *fixture) enqueue(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, f.backend.Send(context.Background(), f.output, []byte(raw), transport.SendOptions{}))
}

func (f *fixture) callbacks(outcome string) float64 {
	return testutil.ToFloat64(f.metrics.Callbacks.WithLabelValues("echo", outcome))
}

func (f *fixture) drained(t *testing.T) {
	t.Helper()
	assert.Empty(t, f.backend.Snapshot(f.output.Name))
	assert.Zero(t, f.backend.InFlight(f.output.Name))
}

func TestNew(t *testing.T) {
	backend := memory.New(memory.Config{})
	logger := logging.NewNopLogger()

	_, err := New(context.Background(), Dependencies{Logger: logger}, Options{Kind: "echo"})
	assert.ErrorIs(t, err, prestoerrors.ErrBackendRequired)
	_, err = New(context.Background(), Dependencies{Backend: backend}, Options{Kind: "echo"})
	assert.ErrorIs(t, err, prestoerrors.ErrLoggerRequired)
	_, err = New(context.Background(), Dependencies{Backend: backend, Logger: logger}, Options{})
	assert.ErrorIs(t, err, prestoerrors.ErrKindRequired)

	p, err := New(context.Background(), Dependencies{Backend: backend, Logger: logger}, Options{
		Kind:   "image.hasher",
		Naming: transport.Naming{Suffix: "_dev"},
	})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, "image__hasher_output_dev", p.output.Name)
	assert.Equal(t, DefaultBatchSize, p.batch)
}

func TestNew_PublisherFactoryError(t *testing.T) {
	original := PublisherFactory
	defer func() { PublisherFactory = original }()
	PublisherFactory = func(http.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("no publisher")
	}
	_, err := New(context.Background(), Dependencies{Backend: memory.New(memory.Config{}), Logger: logging.NewNopLogger()}, Options{Kind: "echo"})
	assert.ErrorContains(t, err, "no publisher")
}

func TestRunOnce_DeliversCallback(t *testing.T) {
	sink := &capture{}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	f := newFixture(t, Options{})
	raw := `{"body":{"id":"1","text":"hello","callback_url":"` + srv.URL + `/cb","raw":{},"parameters":{},"result":{"text":"HELLO"}},"model_name":"echo","retry_count":0}`
	f.enqueue(t, raw)

	n, err := f.processor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Equal(t, 1, sink.count())
	assert.JSONEq(t, raw, sink.bodies[0])
	assert.Equal(t, "application/json", sink.headers[0].Get("Content-Type"))
	assert.Equal(t, "echo", sink.headers[0].Get(HeaderKind))
	assert.NotEmpty(t, sink.headers[0].Get(HeaderMessageID))
	assert.Equal(t, 1.0, f.callbacks(OutcomeSuccess))
	f.drained(t)
}

func TestRunOnce_BestEffort(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		delay   time.Duration
		outcome string
	}{
		{"server error", nethttp.StatusInternalServerError, 0, OutcomeFailure},
		{"client error", nethttp.StatusNotFound, 0, OutcomeFailure},
		{"timeout", nethttp.StatusOK, 200 * time.Millisecond, OutcomeFailure},
		{"accepted", nethttp.StatusAccepted, 0, OutcomeSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &capture{status: tt.status, delay: tt.delay}
			srv := httptest.NewServer(sink)
			defer srv.Close()

			f := newFixture(t, Options{CallbackTimeout: 50 * time.Millisecond})
			f.enqueue(t, `{"body":{"id":"1","callback_url":"`+srv.URL+`"},"model_name":"echo"}`)

			_, err := f.processor.RunOnce(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 1, sink.count(), "exactly one attempt")
			assert.Equal(t, 1.0, f.callbacks(tt.outcome))
			f.drained(t)
		})
	}
}

func TestRunOnce_SkipsAndDrops(t *testing.T) {
	f := newFixture(t, Options{})
	f.enqueue(t, `{"body":{"id":"1","text":"no callback"},"model_name":"echo"}`)
	f.enqueue(t, `this is not json`)
	f.enqueue(t, `{"body":{"id":"2","callback_url":"http://127.0.0.1:1/unreachable"},"model_name":"echo"}`)

	n, err := f.processor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, 1.0, f.callbacks(OutcomeSkipped))
	assert.Equal(t, 2.0, f.callbacks(OutcomeFailure))
	f.drained(t)
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	f := newFixture(t, Options{})
	n, err := f.processor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	sink := &capture{}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	f := newFixture(t, Options{})
	f.enqueue(t, `{"body":{"id":"1","callback_url":"`+srv.URL+`"},"model_name":"echo"}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.processor.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestNotifier_Deliver(t *testing.T) {
	sink := &capture{}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	n, err := NewNotifier(0, logging.NewNopLogger(), nil)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Deliver(context.Background(), []byte(`{"body":{"id":5,"callback_url":"`+srv.URL+`"},"model_name":"x"}`)))
	assert.Equal(t, 1, sink.count())

	err = n.Deliver(context.Background(), []byte(`{"body":{"id":5},"model_name":"x"}`))
	assert.ErrorIs(t, err, prestoerrors.ErrCallbackURLMissing)

	err = n.Deliver(context.Background(), []byte(`nope`))
	assert.ErrorIs(t, err, prestoerrors.ErrInvalidEnvelope)

	sink.mu.Lock()
	sink.status = nethttp.StatusBadGateway
	sink.mu.Unlock()
	err = n.Deliver(context.Background(), []byte(`{"body":{"id":5,"callback_url":"`+srv.URL+`"},"model_name":"x"}`))
	assert.ErrorIs(t, err, prestoerrors.ErrCallbackDelivery)
	assert.Equal(t, prestoerrors.CategoryCallback, prestoerrors.Classify(err))
}

func TestOptions_withDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultBatchSize, o.BatchSize)
	assert.Equal(t, DefaultCallbackTimeout, o.CallbackTimeout)
	assert.Equal(t, DefaultErrorBackoff, o.ErrorBackoff)
}
