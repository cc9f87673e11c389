package healthcheck

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3cpo-dev/tunedesk/internal/registry"
	"github.com/3cpo-dev/tunedesk/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func svc(id, url string) registry.Service {
	return registry.Service{ID: id, Name: "svc-" + id, URL: url}
}

// recorder collects snapshots from an observer.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) observe(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func fastConfig() Config {
	return Config{ProbeTimeout: 2 * time.Second, Pace: time.Millisecond}
}

// TestStateTransitions tests the run state machine
func TestStateTransitions(t *testing.T) {
	if !StatePending.CanTransition(StateTesting) {
		t.Fatalf("pending must move to testing")
	}
	if StatePending.CanTransition(StateUp) {
		t.Fatalf("pending must not skip testing")
	}
	for _, s := range []State{StateUp, StateDown, StateError} {
		if !StateTesting.CanTransition(s) {
			t.Fatalf("testing must move to %s", s)
		}
		if s.CanTransition(StateTesting) {
			t.Fatalf("%s must be final", s)
		}
		if !s.Terminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
	if StateTesting.CanTransition(StatePending) {
		t.Fatalf("testing must not return to pending")
	}
	if !StateError.Failed() || StateUp.Failed() {
		t.Fatalf("unexpected Failed classification")
	}

	st, err := ParseState("down")
	if err != nil || st != StateDown {
		t.Fatalf("expected down, got %s (%v)", st, err)
	}
	if _, err := ParseState("bogus"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		body  string
		state State
		msg   string
	}{
		{"ok status", 200, `{"status":"ok"}`, StateUp, ""},
		{"redirect range", 302, "", StateUp, ""},
		{"no content", 204, "", StateUp, ""},
		{"unhealthy code healthy body", 503, `{"status":"ok"}`, StateUp, ""},
		{"healthy keyword", 500, `{"status":"healthy"}`, StateUp, ""},
		{"non json", 500, "<html>oops</html>", StateDown, "HTTP 500"},
		{"other status value", 503, `{"status":"degraded"}`, StateDown, "HTTP 503"},
		{"status not string", 404, `{"status":1}`, StateDown, "HTTP 404"},
		{"json array", 502, `["ok"]`, StateDown, "HTTP 502"},
		{"case sensitive", 500, `{"status":"OK"}`, StateDown, "HTTP 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, msg := classify(tt.code, []byte(tt.body))
			assert.Equal(t, tt.state, state)
			assert.Equal(t, tt.msg, msg)
		})
	}
}

func TestHTTPProber(t *testing.T) {
	var accept atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept.Store(r.Header.Get("Accept"))
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte(`{"status":"ok"}`))
		case "/degraded":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"ok"}`))
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}
	}))
	defer srv.Close()

	p := NewHTTPProber(0)
	defer p.Client.CloseIdleConnections()
	ctx := context.Background()

	res := p.Probe(ctx, svc("1", srv.URL+"/ok"))
	assert.Equal(t, StateUp, res.State)
	assert.Empty(t, res.Error)
	assert.Equal(t, "application/json", accept.Load())

	res = p.Probe(ctx, svc("2", srv.URL+"/degraded"))
	assert.Equal(t, StateUp, res.State)

	res = p.Probe(ctx, svc("3", srv.URL+"/broken"))
	assert.Equal(t, StateDown, res.State)
	assert.Equal(t, "HTTP 500", res.Error)

	slow := NewHTTPProber(50 * time.Millisecond)
	defer slow.Client.CloseIdleConnections()
	res = slow.Probe(ctx, svc("4", srv.URL+"/slow"))
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, MsgTimeout, res.Error)
	assert.Less(t, res.ResponseTime, time.Second)
}

func TestHTTPProberUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := NewHTTPProber(time.Second)
	res := p.Probe(context.Background(), svc("1", "http://"+addr+"/health"))
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, MsgNetwork, res.Error)
}

func TestTransportMessage(t *testing.T) {
	assert.Equal(t, MsgTimeout, transportMessage(context.DeadlineExceeded))
	assert.Equal(t, MsgNetwork, transportMessage(&net.DNSError{Err: "no such host", Name: "nope.invalid"}))
	assert.Equal(t, "weird failure", transportMessage(errors.New("weird failure")))
}

func TestRunOrderAndSummary(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		switch r.URL.Path {
		case "/a":
			w.Write([]byte(`{"status":"healthy"}`))
		case "/b":
			w.WriteHeader(http.StatusBadGateway)
		case "/c":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	prober := NewHTTPProber(0)
	defer prober.Client.CloseIdleConnections()
	col := telemetry.NewCollector("test", nil)
	o := New(fastConfig(), WithProber(prober), WithCollector(col))

	services := []registry.Service{svc("a", srv.URL+"/a"), svc("b", srv.URL+"/b"), svc("c", srv.URL+"/c")}
	rec := &recorder{}
	report, err := o.Run(context.Background(), services, rec.observe)
	require.NoError(t, err)

	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	require.Len(t, report.Statuses, 3)
	assert.Equal(t, Summary{Up: 2, Down: 1}, report.Summary)
	assert.Equal(t, "2 up, 1 down", report.Summary.String())
	assert.False(t, report.NothingToTest())
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, StateDown, report.Statuses[1].State)
	assert.Equal(t, "HTTP 502", report.Statuses[1].Error)
	for _, st := range report.Statuses {
		_, ok := st.ResponseTime()
		assert.True(t, ok)
	}

	snaps := rec.all()
	// initial, two per service, final summary
	require.Len(t, snaps, 2+2*len(services))
	first := snaps[0]
	assert.Equal(t, -1, first.Index)
	for _, st := range first.Statuses {
		assert.Equal(t, StatePending, st.State)
	}
	for i, s := range snaps {
		assert.Equal(t, i, s.Seq)
		assert.Equal(t, report.RunID, s.RunID)
		active := 0
		for j, st := range s.Statuses {
			if st.State == StateTesting {
				active++
			}
			// entries after the active one never leave pending
			if s.Index >= 0 && j > s.Index {
				assert.Equal(t, StatePending, st.State)
			}
			if s.Index >= 0 && j < s.Index {
				assert.True(t, st.State.Terminal())
			}
		}
		assert.LessOrEqual(t, active, 1)
	}
	last := snaps[len(snaps)-1]
	assert.True(t, last.Done)
	require.NotNil(t, last.Summary)
	assert.Equal(t, report.Summary, *last.Summary)

	expected := `
# HELP test_healthcheck_runs_total Health-check runs by outcome
# TYPE test_healthcheck_runs_total counter
test_healthcheck_runs_total{outcome="completed"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(col.Registry(), strings.NewReader(expected), "test_healthcheck_runs_total"))
}

func TestRunEmpty(t *testing.T) {
	var called int32
	o := New(fastConfig(), WithProber(ProberFunc(func(ctx context.Context, s registry.Service) Result {
		atomic.AddInt32(&called, 1)
		return Result{State: StateUp}
	})))
	rec := &recorder{}
	report, err := o.Run(context.Background(), nil, rec.observe)
	require.NoError(t, err)
	assert.True(t, report.NothingToTest())
	assert.Equal(t, Summary{}, report.Summary)
	assert.Zero(t, atomic.LoadInt32(&called))
	assert.Empty(t, rec.all())
}

func TestRunRejectsInvalidService(t *testing.T) {
	var called int32
	o := New(fastConfig(), WithProber(ProberFunc(func(ctx context.Context, s registry.Service) Result {
		atomic.AddInt32(&called, 1)
		return Result{State: StateUp}
	})))
	services := []registry.Service{svc("a", "http://example.com"), svc("b", "not a url")}
	report, err := o.Run(context.Background(), services, nil)
	require.Error(t, err)
	assert.Nil(t, report)

	var invalid *InvalidServiceError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 1, invalid.Index)
	assert.Equal(t, "b", invalid.ID)
	var verr registry.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Zero(t, atomic.LoadInt32(&called))
}

func TestRunIsFreshEachTime(t *testing.T) {
	var up atomic.Bool
	up.Store(false)
	o := New(fastConfig(), WithProber(ProberFunc(func(ctx context.Context, s registry.Service) Result {
		if up.Load() {
			return Result{State: StateUp, ResponseTime: time.Millisecond}
		}
		return Result{State: StateDown, Error: "HTTP 503"}
	})))
	services := []registry.Service{svc("a", "http://a.example")}

	first, err := o.Run(context.Background(), services, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Down: 1}, first.Summary)

	up.Store(true)
	second, err := o.Run(context.Background(), services, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Up: 1}, second.Summary)
	assert.Empty(t, second.Statuses[0].Error)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRunNonTerminalProberResult(t *testing.T) {
	o := New(fastConfig(), WithProber(ProberFunc(func(ctx context.Context, s registry.Service) Result {
		return Result{State: StateTesting}
	})))
	report, err := o.Run(context.Background(), []registry.Service{svc("a", "http://a.example")}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateError, report.Statuses[0].State)
	assert.Equal(t, Summary{Down: 1}, report.Summary)
}

func TestRunCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	o := New(Config{ProbeTimeout: 5 * time.Second}, WithProber(ProberFunc(func(pctx context.Context, s registry.Service) Result {
		if s.ID == "a" {
			return Result{State: StateUp}
		}
		close(started)
		<-pctx.Done()
		return Result{State: StateError, Error: MsgTimeout}
	})))

	services := []registry.Service{svc("a", "http://a.example"), svc("b", "http://b.example"), svc("c", "http://c.example")}
	go func() {
		<-started
		cancel()
	}()
	report, err := o.Run(ctx, services, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.True(t, report.Cancelled)
	assert.Equal(t, StateUp, report.Statuses[0].State)
	// in-flight result is discarded
	assert.Equal(t, StateTesting, report.Statuses[1].State)
	assert.Equal(t, StatePending, report.Statuses[2].State)
	assert.Equal(t, Summary{Up: 1}, report.Summary)
}

// TestRunCancelDuringPace tests cancelling between two probes
func TestRunCancelDuringPace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var probes int
	o := New(Config{ProbeTimeout: time.Second, Pace: 10 * time.Second}, WithProber(ProberFunc(func(ctx context.Context, s registry.Service) Result {
		probes++
		return Result{State: StateUp}
	})))
	observe := func(snap Snapshot) {
		if snap.Index == 0 && snap.Statuses[0].State.Terminal() {
			cancel()
		}
	}

	start := time.Now()
	report, err := o.Run(ctx, []registry.Service{svc("a", "http://a.example"), svc("b", "http://b.example")}, observe)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("pause was not interrupted, took %s", elapsed)
	}
	if report == nil || !report.Cancelled {
		t.Fatalf("expected a cancelled partial report, got %+v", report)
	}
	if report.Statuses[0].State != StateUp {
		t.Fatalf("expected first entry up, got %s", report.Statuses[0].State)
	}
	if report.Statuses[1].State != StatePending {
		t.Fatalf("expected second entry pending, got %s", report.Statuses[1].State)
	}
	if probes != 1 {
		t.Fatalf("expected 1 probe, got %d", probes)
	}
}

func TestRunPace(t *testing.T) {
	var mu sync.Mutex
	var times []time.Time
	o := New(Config{ProbeTimeout: time.Second, Pace: 30 * time.Millisecond}, WithProber(ProberFunc(func(ctx context.Context, s registry.Service) Result {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		return Result{State: StateUp}
	})))
	_, err := o.Run(context.Background(), []registry.Service{svc("a", "http://a.example"), svc("b", "http://b.example")}, nil)
	require.NoError(t, err)
	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 30*time.Millisecond)
}

func TestConfigDefaults(t *testing.T) {
	o := New(Config{Pace: -time.Second})
	assert.Equal(t, 15*time.Second, o.Config().ProbeTimeout)
	assert.Zero(t, o.Config().Pace)

	o.SetConfig(Config{ProbeTimeout: time.Second, Pace: time.Millisecond})
	assert.Equal(t, time.Second, o.Config().ProbeTimeout)
}

func TestBoard(t *testing.T) {
	b := NewBoard()
	_, ok := b.Current()
	assert.False(t, ok)

	ch, stop := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	b.Observe(Snapshot{RunID: "r", Seq: 0})
	b.Observe(Snapshot{RunID: "r", Seq: 1})

	got := <-ch
	assert.Equal(t, 0, got.Seq)
	got = <-ch
	assert.Equal(t, 1, got.Seq)

	cur, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, 1, cur.Seq)

	stop()
	stop()
	assert.Zero(t, b.Subscribers())
	_, open := <-ch
	assert.False(t, open)
}

func TestBoardDropsOldestForSlowSubscriber(t *testing.T) {
	b := NewBoard()
	ch, stop := b.Subscribe()
	defer stop()

	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		b.Observe(Snapshot{Seq: i})
	}
	var last Snapshot
	n := 0
	for len(ch) > 0 {
		last = <-ch
		n++
	}
	assert.Equal(t, subscriberBuffer, n)
	assert.Equal(t, total-1, last.Seq)
}
