package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	done    chan struct{}
	stopped atomic.Int32
	once    sync.Once
}

func newFakeHandle() *fakeHandle { return &fakeHandle{done: make(chan struct{})} }

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Stop(time.Duration) error {
	h.stopped.Add(1)
	h.once.Do(func() { close(h.done) })
	return nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	specs   []Spec
	handles []*fakeHandle
	err     error
}

func (l *fakeLauncher) Launch(_ context.Context, spec Spec) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.err != nil {
		return nil, l.err
	}
	h := newFakeHandle()
	l.handles = append(l.handles, h)
	return h, nil
}

// scriptedAPI returns one entry of script per call, repeating the last.
type scriptedAPI struct {
	mu     sync.Mutex
	calls  int
	script []func() ([]Rule, error)
}

func (a *scriptedAPI) Rules(context.Context) ([]Rule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	if i >= len(a.script) {
		i = len(a.script) - 1
	}
	a.calls++
	return a.script[i]()
}

func rules(rs ...Rule) func() ([]Rule, error) {
	return func() ([]Rule, error) { return rs, nil }
}

func testConfig() Config {
	return Config{
		Enabled:        true,
		Host:           "127.0.0.1",
		RequestedPort:  5000,
		Region:         "eu",
		Subdomain:      "demo",
		AuthToken:      "tok",
		VerifyAttempts: 3,
		VerifyInterval: time.Millisecond,
		LaunchRetries:  1,
		FallbackLocal:  false,
		StopTimeout:    time.Second,
	}
}

func phases(ts []Transition) []Phase {
	out := make([]Phase, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.To)
	}
	return out
}

func TestVerifiedWhenRuleTargetsBoundPort(t *testing.T) {
	launcher := &fakeLauncher{}
	api := &scriptedAPI{script: []func() ([]Rule, error){
		func() ([]Rule, error) { return nil, errors.New("connection refused") },
		rules(),
		rules(
			Rule{PublicAddress: "http://demo.tunnel.example", Protocol: "http", LocalTarget: "http://localhost:5000"},
			Rule{PublicAddress: "https://demo.tunnel.example", Protocol: "https", LocalTarget: "http://localhost:5000"},
		),
	}}
	c := NewCoordinator(testConfig(), launcher, api)

	var observed []Transition
	c.OnTransition(func(tr Transition) { observed = append(observed, tr) })

	port, err := c.AllocatePort()
	require.NoError(t, err)
	assert.Equal(t, 5000, port)

	st, err := c.Establish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseTunnelVerified, st.Phase)
	assert.Equal(t, "https://demo.tunnel.example", st.PublicAddress)
	assert.Equal(t, 3, st.VerificationAttempts)
	assert.Equal(t, 1, st.Launches)

	require.Len(t, launcher.specs, 1)
	assert.Equal(t, Spec{Port: 5000, Region: "eu", Subdomain: "demo", AuthToken: "tok"}, launcher.specs[0])

	assert.Equal(t, []Phase{PhasePortAllocated, PhaseTunnelStarting, PhaseTunnelVerified}, phases(observed))
	assert.Equal(t, phases(observed), phases(c.Transitions()))
}

func TestPortMismatchFails(t *testing.T) {
	launcher := &fakeLauncher{}
	api := &scriptedAPI{script: []func() ([]Rule, error){
		rules(Rule{PublicAddress: "https://x.example", LocalTarget: "http://localhost:5001"}),
	}}
	c := NewCoordinator(testConfig(), launcher, api)
	_, err := c.AllocatePort()
	require.NoError(t, err)

	st, err := c.Establish(context.Background())
	require.ErrorIs(t, err, ErrTunnelUnavailable)
	assert.ErrorIs(t, err, ErrPortMismatch)
	assert.Equal(t, PhaseTunnelFailed, st.Phase)
	assert.Empty(t, st.PublicAddress, "a rule for another port is never reported as the public address")
	assert.Equal(t, 2, st.Launches, "initial launch plus one retry")
	assert.Equal(t, 6, st.VerificationAttempts)

	for _, h := range launcher.handles {
		assert.Equal(t, int32(1), h.stopped.Load(), "failed agents are stopped")
	}
	assert.Equal(t, []Phase{
		PhasePortAllocated,
		PhaseTunnelStarting, PhaseTunnelFailed,
		PhaseTunnelStarting, PhaseTunnelFailed,
	}, phases(c.Transitions()))
}

func TestFallbackToLocalOnly(t *testing.T) {
	cfg := testConfig()
	cfg.FallbackLocal = true
	cfg.LaunchRetries = 0
	launcher := &fakeLauncher{err: errors.New("executable file not found")}
	c := NewCoordinator(cfg, launcher, &scriptedAPI{script: []func() ([]Rule, error){rules()}})
	_, err := c.AllocatePort()
	require.NoError(t, err)

	st, err := c.Establish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseLocalOnly, st.Phase)
	assert.Contains(t, st.LastError, "executable file not found")
	assert.Equal(t, []Phase{
		PhasePortAllocated, PhaseTunnelStarting, PhaseTunnelFailed, PhaseLocalOnly,
	}, phases(c.Transitions()))
}

func TestDisabledTunnelIsLocalOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	launcher := &fakeLauncher{}
	c := NewCoordinator(cfg, launcher, nil)
	_, err := c.AllocatePort()
	require.NoError(t, err)

	st, err := c.Establish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseLocalOnly, st.Phase)
	assert.Empty(t, launcher.specs)
}

func TestAgentExitStopsVerification(t *testing.T) {
	cfg := testConfig()
	cfg.LaunchRetries = 0
	cfg.VerifyAttempts = 100
	launcher := &fakeLauncher{}
	api := &scriptedAPI{}
	api.script = []func() ([]Rule, error){func() ([]Rule, error) {
		launcher.mu.Lock()
		h := launcher.handles[0]
		launcher.mu.Unlock()
		h.once.Do(func() { close(h.done) })
		return nil, nil
	}}
	c := NewCoordinator(cfg, launcher, api)
	_, err := c.AllocatePort()
	require.NoError(t, err)

	st, err := c.Establish(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errAgentExited)
	assert.Equal(t, 1, st.VerificationAttempts)
}

func TestEstablishRequiresAllocatedPort(t *testing.T) {
	c := NewCoordinator(testConfig(), &fakeLauncher{}, nil)
	_, err := c.Establish(context.Background())
	assert.Error(t, err)
}

func TestAllocatePortScansRange(t *testing.T) {
	cfg := testConfig()
	cfg.RequestedPort = 0
	cfg.PortRangeStart, cfg.PortRangeEnd = 3000, 3005
	c := NewCoordinator(cfg, nil, nil)
	var tried []int
	c.listen = func(_ string, port int) error {
		tried = append(tried, port)
		if port < 3003 {
			return errors.New("address in use")
		}
		return nil
	}

	port, err := c.AllocatePort()
	require.NoError(t, err)
	assert.Equal(t, 3003, port)
	assert.Equal(t, []int{3000, 3001, 3002, 3003}, tried)
	assert.Equal(t, 3003, c.State().BoundPort)

	_, err = c.AllocatePort()
	assert.Error(t, err, "allocation happens once")
}

func TestAllocatePortExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.RequestedPort = 0
	cfg.PortRangeStart, cfg.PortRangeEnd = 3000, 3002
	c := NewCoordinator(cfg, nil, nil)
	c.listen = func(string, int) error { return errors.New("in use") }

	_, err := c.AllocatePort()
	assert.ErrorIs(t, err, ErrNoFreePort)
	assert.Equal(t, PhaseUnstarted, c.State().Phase)
}

func TestAgentAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tunnels", r.URL.Path)
		fmt.Fprint(w, `{"tunnels":[{"public_url":"https://a.example","proto":"https","config":{"addr":"http://localhost:5000"}}]}`)
	}))
	defer srv.Close()

	got, err := NewAgentAPIAt(srv.URL).Rules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Rule{{PublicAddress: "https://a.example", Protocol: "https", LocalTarget: "http://localhost:5000"}}, got)
}

func TestAgentAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewAgentAPIAt(srv.URL).Rules(context.Background())
	assert.Error(t, err)
}

func TestTargetPort(t *testing.T) {
	cases := map[string]int{
		"http://localhost:5000":  5000,
		"https://127.0.0.1:8443": 8443,
		"localhost:7000":         7000,
		"9000":                   9000,
		"http://localhost":       80,
	}
	for in, want := range cases {
		got, err := targetPort(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := targetPort("nonsense")
	assert.Error(t, err)
}

func TestAgentLauncherArgs(t *testing.T) {
	l := AgentLauncher{Binary: "ngrok"}
	assert.Equal(t,
		[]string{"http", "5000", "--log", "stdout", "--region", "eu", "--subdomain", "demo"},
		l.args(Spec{Port: 5000, Region: "eu", Subdomain: "demo"}))
	assert.Equal(t, []string{"http", "5000", "--log", "stdout"}, l.args(Spec{Port: 5000}))
}

func TestHistoryIsBounded(t *testing.T) {
	var h history
	for i := 0; i < transitionHistorySize+5; i++ {
		h.add(Transition{Port: i})
	}
	list := h.list()
	require.Len(t, list, transitionHistorySize)
	assert.Equal(t, 5, list[0].Port)
	assert.Equal(t, transitionHistorySize+4, list[len(list)-1].Port)
}
