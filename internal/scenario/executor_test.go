package scenario

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchprobe/internal/checks"
	"matchprobe/internal/probe"
	"matchprobe/internal/websocket"
	"matchprobe/pkg/interfaces"
	"matchprobe/pkg/types"
)

// fakeConn is a scripted connection. Close emits Closed(1000) unless
// ignoreClose is set.
type fakeConn struct {
	events      chan types.Event
	status      int
	ignoreClose bool
	endOnce     sync.Once
	closes      atomic.Int32
}

func newFakeConn(messages ...string) *fakeConn {
	c := &fakeConn{events: make(chan types.Event, 16), status: http.StatusSwitchingProtocols}
	c.events <- types.Event{Kind: types.EventOpened}
	for _, m := range messages {
		c.events <- types.Event{Kind: types.EventMessage, Payload: []byte(m)}
	}
	return c
}

func (c *fakeConn) end(ev types.Event) {
	c.endOnce.Do(func() {
		c.events <- ev
		close(c.events)
	})
}

func (c *fakeConn) ID() string { return "fake" }
func (c *fakeConn) State() types.ConnState { return types.ConnOpen }
func (c *fakeConn) HandshakeStatus() int { return c.status }
func (c *fakeConn) Events() <-chan types.Event { return c.events }

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	if !c.ignoreClose {
		c.end(types.Event{Kind: types.EventClosed, Code: 1000, Reason: "closed by client"})
	}
	return nil
}

type fakeDialer struct {
	conn  interfaces.Connection
	err   error
	block bool
}

func (d *fakeDialer) Connect(ctx context.Context, url string) (interfaces.Connection, error) {
	if d.block {
		<-ctx.Done()
		return nil, &types.ConnectError{URL: url, Err: ctx.Err()}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type fakeProber struct {
	mu     sync.Mutex
	urls   []string
	status int
	err    error
	hang   bool // block until the request context ends
}

func (p *fakeProber) Get(ctx context.Context, url string) (*types.ProbeResult, error) {
	p.mu.Lock()
	p.urls = append(p.urls, url)
	hang := p.hang
	p.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, &types.RequestError{URL: url, Err: ctx.Err()}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, &types.RequestError{URL: url, Err: p.err}
	}
	return &types.ProbeResult{URL: url, Status: p.status}, nil
}

func (p *fakeProber) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.urls...)
}

func newTestExecutor(sc Scenario, dialer interfaces.Dialer, prober interfaces.Prober, timeout time.Duration) (*Executor, *checks.Recorder) {
	recorder := checks.NewRecorder()
	exec := NewExecutor(sc, dialer, prober, recorder, Options{IterationTimeout: timeout, CloseWait: time.Second}, zerolog.Nop())
	return exec, recorder
}

func checksNamed(outcome *types.IterationOutcome, name string) []types.CheckResult {
	var out []types.CheckResult
	for _, c := range outcome.Checks {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func TestExecutor_MatchScenarioHappyPath(t *testing.T) {
	conn := newFakeConn("http://svc/match/42")
	prober := &fakeProber{status: http.StatusOK}
	exec, recorder := newTestExecutor(MatchScenario("ws://svc/ws", nil), &fakeDialer{conn: conn}, prober, time.Second)

	outcome := exec.Run(context.Background(), 1)

	assert.Equal(t, types.IterationCompleted, outcome.Status)
	assert.Equal(t, http.StatusSwitchingProtocols, outcome.HandshakeStatus)
	assert.Equal(t, []string{"http://svc/match/42"}, prober.calls())

	require.Len(t, outcome.Checks, 2)
	assert.Equal(t, types.CheckWebSocketStatus, outcome.Checks[0].Name)
	assert.Equal(t, types.CheckMatchURLStatus, outcome.Checks[1].Name)
	for _, c := range outcome.Checks {
		assert.True(t, c.Passed, "check %q should pass", c.Name)
		assert.Equal(t, outcome.ID, c.IterationID)
	}

	assert.Equal(t, 2, recorder.Summary().Passes)
	assert.Empty(t, outcome.Error)
	assert.False(t, outcome.End.Before(outcome.Start))
}

func TestExecutor_TrimmedPayloadProbedOnce(t *testing.T) {
	conn := newFakeConn("  http://x/y\n")
	prober := &fakeProber{status: http.StatusOK}
	exec, _ := newTestExecutor(MatchScenario("ws://svc/ws", nil), &fakeDialer{conn: conn}, prober, time.Second)

	outcome := exec.Run(context.Background(), 1)

	assert.Equal(t, []string{"http://x/y"}, prober.calls())
	assert.Len(t, checksNamed(outcome, types.CheckMatchURLStatus), 1)
}

func TestExecutor_Non200ProbeFailsCheck(t *testing.T) {
	conn := newFakeConn("http://svc/match/404")
	prober := &fakeProber{status: http.StatusNotFound}
	exec, recorder := newTestExecutor(MatchScenario("ws://svc/ws", nil), &fakeDialer{conn: conn}, prober, time.Second)

	outcome := exec.Run(context.Background(), 1)

	assert.Equal(t, types.IterationCompleted, outcome.Status)
	match := checksNamed(outcome, types.CheckMatchURLStatus)
	require.Len(t, match, 1)
	assert.False(t, match[0].Passed)
	assert.Equal(t, "got 404", match[0].Cause)
	assert.Equal(t, 1, recorder.Summary().Fails)
}

func TestExecutor_HandshakeFailureIsErrored(t *testing.T) {
	connErr := &types.ConnectError{URL: "ws://svc/ws", Status: http.StatusInternalServerError, Err: errors.New("bad handshake")}
	prober := &fakeProber{status: http.StatusOK}
	exec, _ := newTestExecutor(MatchScenario("ws://svc/ws", nil), &fakeDialer{err: connErr}, prober, time.Second)

	outcome := exec.Run(context.Background(), 3)

	assert.Equal(t, types.IterationErrored, outcome.Status)
	assert.Equal(t, http.StatusInternalServerError, outcome.HandshakeStatus)
	assert.Contains(t, outcome.Error, "500")
	assert.Empty(t, prober.calls(), "no GET may be issued after a failed handshake")

	require.Len(t, outcome.Checks, 1)
	assert.Equal(t, types.CheckWebSocketStatus, outcome.Checks[0].Name)
	assert.False(t, outcome.Checks[0].Passed)
	assert.Equal(t, 3, outcome.VU)
}

func TestExecutor_TimeoutWithoutMessage(t *testing.T) {
	conn := newFakeConn()
	prober := &fakeProber{status: http.StatusOK}
	exec, _ := newTestExecutor(MatchScenario("ws://svc/ws", nil), &fakeDialer{conn: conn}, prober, 50*time.Millisecond)

	outcome := exec.Run(context.Background(), 1)

	assert.Equal(t, types.IterationTimedOut, outcome.Status)
	assert.Empty(t, outcome.Error, "a timeout is not an error")
	assert.Empty(t, checksNamed(outcome, types.CheckMatchURLStatus))
	assert.Empty(t, prober.calls())
	assert.GreaterOrEqual(t, conn.closes.Load(), int32(1))
}

func TestExecutor_TimeoutDuringDial(t *testing.T) {
	exec, _ := newTestExecutor(MatchScenario("ws://svc/ws", nil), &fakeDialer{block: true}, &fakeProber{}, 50*time.Millisecond)

	outcome := exec.Run(context.Background(), 1)

	assert.Equal(t, types.IterationTimedOut, outcome.Status)
	require.Len(t, outcome.Checks, 1)
	assert.False(t, outcome.Checks[0].Passed)
}

func TestExecutor_TimeoutDuringReaction(t *testing.T) {
	// The reaction's close and the deadline land together; the deadline must
	// decide the status every time
	for i := 0; i < 20; i++ {
		conn := newFakeConn("http://svc/match/slow")
		prober := &fakeProber{hang: true}
		exec, _ := newTestExecutor(MatchScenario("ws://svc/ws", nil), &fakeDialer{conn: conn}, prober, 40*time.Millisecond)

		outcome := exec.Run(context.Background(), 1)

		require.Equal(t, types.IterationTimedOut, outcome.Status, "run %d", i)
		assert.Empty(t, outcome.Error)
		match := checksNamed(outcome, types.CheckMatchURLStatus)
		require.Len(t, match, 1, "run %d", i)
		assert.False(t, match[0].Passed)
	}
}

func TestExecutor_RunStopDoesNotCancelDial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec, _ := newTestExecutor(MatchScenario("ws://svc/ws", nil), &fakeDialer{block: true}, &fakeProber{}, 80*time.Millisecond)

	start := time.Now()
	outcome := exec.Run(ctx, 1)

	assert.Equal(t, types.IterationTimedOut, outcome.Status, "only the iteration timeout ends a dial")
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestExecutor_ProtocolErrorSkipsProbe(t *testing.T) {
	for name, payload := range map[string]string{
		"empty":       "",
		"whitespace":  " \t\n",
		"invalid utf": string([]byte{0xff, 0xfe}),
	} {
		t.Run(name, func(t *testing.T) {
			conn := newFakeConn(payload)
			prober := &fakeProber{status: http.StatusOK}
			exec, _ := newTestExecutor(MatchScenario("ws://svc/ws", nil), &fakeDialer{conn: conn}, prober, time.Second)

			outcome := exec.Run(context.Background(), 1)

			assert.Equal(t, types.IterationCompleted, outcome.Status)
			assert.Empty(t, prober.calls())
			assert.Len(t, outcome.Checks, 1)
			assert.Equal(t, int32(2), conn.closes.Load(), "one close from the reaction, one from release")
		})
	}
}

func TestExecutor_RequestErrorFailsCheck(t *testing.T) {
	conn := newFakeConn("http://svc/match/1")
	prober := &fakeProber{err: errors.New("connection refused")}
	exec, _ := newTestExecutor(MatchScenario("ws://svc/ws", nil), &fakeDialer{conn: conn}, prober, time.Second)

	outcome := exec.Run(context.Background(), 1)

	assert.Equal(t, types.IterationCompleted, outcome.Status)
	match := checksNamed(outcome, types.CheckMatchURLStatus)
	require.Len(t, match, 1)
	assert.False(t, match[0].Passed)
	assert.Contains(t, match[0].Cause, "connection refused")
}

func TestExecutor_ErroredEvent(t *testing.T) {
	conn := newFakeConn()
	conn.end(types.Event{Kind: types.EventErrored, Err: errors.New("reset by peer")})

	var gotErr error
	sc := Scenario{Name: "err", URL: "ws://svc/ws", OnError: func(it *Iteration, err error) { gotErr = err }}
	exec, _ := newTestExecutor(sc, &fakeDialer{conn: conn}, &fakeProber{}, time.Second)

	outcome := exec.Run(context.Background(), 1)

	assert.Equal(t, types.IterationErrored, outcome.Status)
	assert.Equal(t, "reset by peer", outcome.Error)
	assert.EqualError(t, gotErr, "reset by peer")
}

func TestExecutor_OneReactionPerMessageInOrder(t *testing.T) {
	conn := newFakeConn("a", "b", "c")
	conn.end(types.Event{Kind: types.EventClosed, Code: 1000, Reason: "done"})

	var seen []string
	var closeCode int
	sc := Scenario{
		Name:      "multi",
		URL:       "ws://svc/ws",
		OnMessage: func(it *Iteration, payload []byte) { seen = append(seen, string(payload)) },
		OnClose:   func(it *Iteration, code int, reason string) { closeCode = code },
	}
	exec, _ := newTestExecutor(sc, &fakeDialer{conn: conn}, &fakeProber{}, time.Second)

	outcome := exec.Run(context.Background(), 1)

	assert.Equal(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, 1000, closeCode)
	assert.Equal(t, types.IterationCompleted, outcome.Status)
}

func TestExecutor_CloseRequestStopsReactions(t *testing.T) {
	conn := newFakeConn("first", "second")

	reactions := 0
	sc := Scenario{
		Name: "close-first",
		URL:  "ws://svc/ws",
		OnMessage: func(it *Iteration, payload []byte) {
			reactions++
			it.Close()
		},
	}
	exec, _ := newTestExecutor(sc, &fakeDialer{conn: conn}, &fakeProber{}, time.Second)

	outcome := exec.Run(context.Background(), 1)

	assert.Equal(t, 1, reactions, "messages after a close request must not be reacted to")
	assert.Equal(t, types.IterationCompleted, outcome.Status)
}

func TestExecutor_RunStopInterrupts(t *testing.T) {
	conn := newFakeConn()
	prober := &fakeProber{status: http.StatusOK}
	exec, _ := newTestExecutor(MatchScenario("ws://svc/ws", nil), &fakeDialer{conn: conn}, prober, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	outcome := exec.Run(ctx, 1)

	assert.Equal(t, types.IterationInterrupted, outcome.Status)
	assert.Empty(t, prober.calls())
}

func TestExecutor_CloseWaitExceeded(t *testing.T) {
	conn := newFakeConn("http://svc/match/1")
	conn.ignoreClose = true

	recorder := checks.NewRecorder()
	exec := NewExecutor(MatchScenario("ws://svc/ws", nil), &fakeDialer{conn: conn}, &fakeProber{status: 200}, recorder,
		Options{IterationTimeout: 5 * time.Second, CloseWait: 30 * time.Millisecond}, zerolog.Nop())

	outcome := exec.Run(context.Background(), 1)

	assert.Equal(t, types.IterationErrored, outcome.Status)
	assert.Equal(t, ErrCloseWaitExceeded.Error(), outcome.Error)
}

func TestExecutor_NoChecksAfterFinalize(t *testing.T) {
	conn := newFakeConn("x")

	var held *Iteration
	sc := Scenario{
		Name: "hold",
		URL:  "ws://svc/ws",
		OnMessage: func(it *Iteration, payload []byte) {
			held = it
			it.Close()
		},
	}
	exec, recorder := newTestExecutor(sc, &fakeDialer{conn: conn}, &fakeProber{}, time.Second)

	outcome := exec.Run(context.Background(), 1)
	before := recorder.Len()

	require.NotNil(t, held)
	assert.False(t, held.Check("late", 1, checks.Equals(1)))
	assert.Equal(t, before, recorder.Len())
	assert.Len(t, outcome.Checks, before)
}

// Integration: real driver and prober against httptest peers
func TestExecutor_MatchScenarioEndToEnd(t *testing.T) {
	var gets atomic.Int32
	game := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets.Add(1)
		assert.Equal(t, "/match/42", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer game.Close()

	upgrader := gorillaws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	matchmaker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(gorillaws.TextMessage, []byte(game.URL+"/match/42"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer matchmaker.Close()

	driver := websocket.NewDriver(websocket.Options{HandshakeTimeout: 2 * time.Second}, zerolog.Nop())
	prober := probe.New(probe.Options{RequestTimeout: 2 * time.Second}, zerolog.Nop())
	url := "ws" + strings.TrimPrefix(matchmaker.URL, "http") + "/ws"
	exec, recorder := newTestExecutor(MatchScenario(url, nil), driver, prober, 5*time.Second)

	outcome := exec.Run(context.Background(), 1)

	assert.Equal(t, types.IterationCompleted, outcome.Status)
	assert.Equal(t, int32(1), gets.Load())
	summary := recorder.Summary()
	assert.Equal(t, 2, summary.Passes)
	assert.Equal(t, 0, summary.Fails)
	assert.Equal(t, 0, driver.Live())
}

func TestExecutor_HandshakeStatus500EndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	driver := websocket.NewDriver(websocket.Options{}, zerolog.Nop())
	prober := &fakeProber{status: http.StatusOK}
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	exec, _ := newTestExecutor(MatchScenario(url, nil), driver, prober, 5*time.Second)

	outcome := exec.Run(context.Background(), 1)

	assert.Equal(t, types.IterationErrored, outcome.Status)
	assert.Equal(t, http.StatusInternalServerError, outcome.HandshakeStatus)
	assert.Empty(t, prober.calls())
}

func TestState_Transitions(t *testing.T) {
	assert.True(t, StateIdle.CanTransition(StateConnecting))
	assert.True(t, StateConnecting.CanTransition(StateErrored))
	assert.True(t, StateOpen.CanTransition(StateClosing))
	assert.True(t, StateClosing.CanTransition(StateDone))
	assert.False(t, StateDone.CanTransition(StateErrored))
	assert.False(t, StateOpen.CanTransition(StateConnecting))
	assert.True(t, StateDone.Terminal())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "unknown", State(99).String())
}
