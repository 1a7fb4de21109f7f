package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kiwari-pos/orderfeed/internal/errs"
	"github.com/kiwari-pos/orderfeed/internal/transport"
	"github.com/kiwari-pos/orderfeed/internal/transport/transporttest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transition struct {
	state State
	at    time.Time
}

// recorder collects state transitions and errors from a Manager.
type recorder struct {
	mu     sync.Mutex
	states []transition
	errors []error
}

func record(m *Manager) *recorder {
	r := &recorder{}
	m.OnConnectionChange(func(s State) {
		r.mu.Lock()
		r.states = append(r.states, transition{state: s, at: time.Now()})
		r.mu.Unlock()
	})
	m.OnError(func(err error) {
		r.mu.Lock()
		r.errors = append(r.errors, err)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) sequence() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	for i, t := range r.states {
		out[i] = t.state
	}
	return out
}

func (r *recorder) firstAfter(s State, after int) (int, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := after; i < len(r.states); i++ {
		if r.states[i].state == s {
			return i, r.states[i].at
		}
	}
	return -1, time.Time{}
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

func testOptions() Options {
	return Options{
		AutoReconnect:  false,
		ReconnectDelay: 50 * time.Millisecond,
		ConnectTimeout: time.Second,
		Log:            zerolog.Nop(),
	}
}

func TestConnectSuccess(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d, testOptions())
	r := record(m)

	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, StateConnected, m.State())
	assert.True(t, m.IsConnected())
	assert.NoError(t, m.LastError())
	assert.Equal(t, []State{StateConnecting, StateConnected}, r.sequence())

	sess, err := m.Session()
	require.NoError(t, err)
	assert.Same(t, d.Last(), sess)
}

func TestConnectFailure(t *testing.T) {
	d := transporttest.NewDialer()
	d.Fail(errors.New("connection refused"))
	m := NewManager(d, testOptions())
	r := record(m)

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindTransport))

	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.IsConnected())
	assert.Equal(t, []State{StateConnecting, StateDisconnected}, r.sequence())
	assert.Equal(t, 1, r.errorCount())
	assert.Equal(t, err, m.LastError())
}

func TestTransportErrorLogsStack(t *testing.T) {
	var buf bytes.Buffer
	d := transporttest.NewDialer()
	d.Fail(errors.New("connection refused"))
	opts := testOptions()
	opts.Log = zerolog.New(&buf).Level(zerolog.DebugLevel)
	m := NewManager(d, opts)

	require.Error(t, m.Connect(context.Background()))

	var detail struct {
		Message string   `json:"message"`
		Stack   []string `json:"stack"`
	}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		require.NoError(t, json.Unmarshal([]byte(line), &detail))
		if detail.Message == "transport error detail" {
			break
		}
	}
	require.Equal(t, "transport error detail", detail.Message)
	assert.NotEmpty(t, detail.Stack)
	assert.LessOrEqual(t, len(detail.Stack), stackLines)
	assert.Contains(t, detail.Stack[0], "connection refused")
}

func TestConnectIsIdempotent(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d, testOptions())
	r := record(m)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, []State{StateConnecting, StateConnected}, r.sequence())
}

func TestConcurrentConnectSharesAttempt(t *testing.T) {
	d := transporttest.NewDialer()
	d.Hold()
	m := NewManager(d, testOptions())

	const callers = 5
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { results <- m.Connect(context.Background()) }()
	}

	require.Eventually(t, func() bool { return d.Dials() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	d.Release()

	for i := 0; i < callers; i++ {
		assert.NoError(t, <-results)
	}
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, StateConnected, m.State())
}

func TestSessionRequiresConnection(t *testing.T) {
	m := NewManager(transporttest.NewDialer(), testOptions())

	_, err := m.Session()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotConnected))
	assert.True(t, errs.IsKind(err, errs.KindUsage))
}

func TestReconnectAfterDrop(t *testing.T) {
	d := transporttest.NewDialer()
	opts := testOptions()
	opts.AutoReconnect = true
	m := NewManager(d, opts)
	r := record(m)

	require.NoError(t, m.Connect(context.Background()))
	first := d.Last()

	droppedAt := time.Now()
	first.Drop(errors.New("broken pipe"))

	require.Eventually(t, func() bool {
		return m.State() == StateConnected && d.Dials() == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Connected -> Disconnected -> Reconnecting -> (delay) -> Connecting -> Connected
	assert.Equal(t, []State{
		StateConnecting, StateConnected,
		StateDisconnected, StateReconnecting,
		StateConnecting, StateConnected,
	}, r.sequence())

	iDown, _ := r.firstAfter(StateDisconnected, 0)
	require.GreaterOrEqual(t, iDown, 0)
	_, redialAt := r.firstAfter(StateConnecting, iDown)
	assert.GreaterOrEqual(t, redialAt.Sub(droppedAt), opts.ReconnectDelay)

	assert.Equal(t, 1, r.errorCount())
	assert.NotSame(t, first, d.Last())
}

func TestSingleReconnectTimer(t *testing.T) {
	d := transporttest.NewDialer()
	d.Fail(errors.New("connection refused"))
	opts := testOptions()
	opts.AutoReconnect = true
	opts.ReconnectDelay = time.Hour
	m := NewManager(d, opts)

	require.Error(t, m.Connect(context.Background()))
	require.Equal(t, StateReconnecting, m.State())

	m.mu.Lock()
	timer, gen := m.timer, m.timerGen
	m.mu.Unlock()
	require.NotNil(t, timer)

	// Competing failure reports must not arm a second timer.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.mu.Lock()
			m.scheduleReconnectLocked()
			m.mu.Unlock()
		}()
	}
	wg.Wait()

	m.mu.Lock()
	assert.Same(t, timer, m.timer)
	assert.Equal(t, gen, m.timerGen)
	m.mu.Unlock()

	require.NoError(t, m.Disconnect(context.Background()))
	m.mu.Lock()
	assert.Nil(t, m.timer)
	m.mu.Unlock()
}

func TestStaleTimerIsIgnored(t *testing.T) {
	d := transporttest.NewDialer()
	d.Fail(errors.New("connection refused"))
	opts := testOptions()
	opts.AutoReconnect = true
	opts.ReconnectDelay = time.Hour
	m := NewManager(d, opts)

	require.Error(t, m.Connect(context.Background()))

	m.mu.Lock()
	stale := m.timerGen - 1
	m.mu.Unlock()

	m.fireReconnect(stale)
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, StateReconnecting, m.State())

	require.NoError(t, m.Disconnect(context.Background()))
}

func TestReconnectAttemptsExhausted(t *testing.T) {
	d := transporttest.NewDialer()
	d.Fail(errors.New("connection refused"))
	opts := testOptions()
	opts.AutoReconnect = true
	opts.ReconnectDelay = 10 * time.Millisecond
	opts.MaxReconnectAttempts = 3
	m := NewManager(d, opts)

	require.Error(t, m.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return d.Dials() == 3 && m.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, d.Dials())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Error(t, m.LastError())
}

func TestConnectCancelsPendingReconnect(t *testing.T) {
	d := transporttest.NewDialer()
	d.Fail(errors.New("connection refused"))
	opts := testOptions()
	opts.AutoReconnect = true
	opts.ReconnectDelay = time.Hour
	m := NewManager(d, opts)

	require.Error(t, m.Connect(context.Background()))
	require.Equal(t, StateReconnecting, m.State())

	d.Fail(nil)
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 2, d.Dials())

	m.mu.Lock()
	assert.Nil(t, m.timer)
	m.mu.Unlock()
}

func TestDisconnectRunsTeardownAndClosesSession(t *testing.T) {
	d := transporttest.NewDialer()
	opts := testOptions()
	opts.AutoReconnect = true
	m := NewManager(d, opts)

	var torn transport.Session
	m.BeforeDisconnect(func(_ context.Context, s transport.Session) {
		// hooks see the session while it is still open
		select {
		case <-s.Done():
			t.Error("session closed before teardown hook")
		default:
		}
		torn = s
	})

	require.NoError(t, m.Connect(context.Background()))
	sess := d.Last()

	require.NoError(t, m.Disconnect(context.Background()))

	assert.Same(t, sess, torn)
	assert.True(t, sess.Closed())
	assert.Equal(t, StateDisconnected, m.State())

	// an explicit disconnect is not a drop: no reconnect follows
	time.Sleep(3 * opts.ReconnectDelay)
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestDisconnectWhenIdleIsNoop(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d, testOptions())
	r := record(m)

	called := false
	m.BeforeDisconnect(func(context.Context, transport.Session) { called = true })

	require.NoError(t, m.Disconnect(context.Background()))
	assert.False(t, called)
	assert.Empty(t, r.sequence())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	d := transporttest.NewDialer()
	d.Fail(errors.New("connection refused"))
	opts := testOptions()
	opts.AutoReconnect = true
	opts.ReconnectDelay = 30 * time.Millisecond
	m := NewManager(d, opts)

	require.Error(t, m.Connect(context.Background()))
	require.NoError(t, m.Disconnect(context.Background()))

	time.Sleep(4 * opts.ReconnectDelay)
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestDisconnectAbortsInflightConnect(t *testing.T) {
	d := transporttest.NewDialer()
	d.Hold()
	m := NewManager(d, testOptions())

	result := make(chan error, 1)
	go func() { result <- m.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return d.Dials() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Disconnect(context.Background()))
	d.Release()

	err := <-result
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConnectAborted))
	assert.Equal(t, StateDisconnected, m.State())

	require.Eventually(t, func() bool {
		s := d.Last()
		return s != nil && s.Closed()
	}, time.Second, 5*time.Millisecond)
}

func TestObserverPanicIsRecovered(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d, testOptions())

	m.OnConnectionChange(func(State) { panic("observer bug") })
	r := record(m)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, []State{StateConnecting, StateConnected}, r.sequence())
}

func TestObserverCancel(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d, testOptions())

	calls := 0
	cancel := m.OnConnectionChange(func(State) { calls++ })
	cancel()
	cancel()

	require.NoError(t, m.Connect(context.Background()))
	assert.Zero(t, calls)
}

func TestObserverMayCallBack(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d, testOptions())

	seen := make(chan bool, 4)
	m.OnConnectionChange(func(s State) {
		if s == StateConnected {
			// re-entrant calls must not deadlock
			seen <- m.IsConnected()
		}
	})

	require.NoError(t, m.Connect(context.Background()))
	select {
	case ok := <-seen:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("observer not called")
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateDisconnected: "DISCONNECTED",
		StateConnecting:   "CONNECTING",
		StateConnected:    "CONNECTED",
		StateReconnecting: "RECONNECTING",
		State(9):          "State(9)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
