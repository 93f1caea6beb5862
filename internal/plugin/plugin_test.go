package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/gate"
	"github.com/danmuck/gatestream/internal/gatestream"
	"github.com/danmuck/gatestream/internal/measurement"
	"github.com/danmuck/gatestream/internal/protocol"
	"github.com/danmuck/gatestream/internal/protocol/session"
	"github.com/danmuck/gatestream/internal/qubit"
	"github.com/danmuck/gatestream/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// controller plays the simulator's side of one control channel.
type controller struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	errc chan error
}

func startPlugin(t *testing.T, name string) *controller {
	t.Helper()
	def, ok := Get(name)
	require.True(t, ok, name)
	return startDefinition(t, name, def)
}

func startDefinition(t *testing.T, name string, def Definition) *controller {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.FlushTimeout = 2 * time.Second
	p := New(name, def, Options{Config: cfg})

	a, b := net.Pipe()
	c := &controller{t: t, conn: a, r: bufio.NewReader(a), errc: make(chan error, 1)}
	go func() {
		c.errc <- p.Serve(context.Background(), b)
	}()
	t.Cleanup(func() {
		_ = a.Close()
	})
	return c
}

func (c *controller) do(req session.Request) session.Response {
	c.t.Helper()
	require.NoError(c.t, session.WriteRequest(c.conn, req))
	resp, err := session.ReadResponse(c.r)
	require.NoError(c.t, err)
	return resp
}

func (c *controller) initialize(role, downstream string, cmds ...arb.Cmd) session.Response {
	c.t.Helper()
	return c.do(session.Request{Type: session.RequestInitialize, Initialize: &session.InitializeRequest{
		SessionID:  "test",
		PluginName: c.t.Name(),
		PluginType: role,
		Downstream: downstream,
		ArbCmds:    cmds,
	}})
}

func (c *controller) serveErr() error {
	c.t.Helper()
	select {
	case err := <-c.errc:
		return err
	case <-time.After(5 * time.Second):
		c.t.Fatalf("plugin did not stop")
		return nil
	}
}

type chain struct {
	front, op, back *controller
}

func startChain(t *testing.T, backendCmds ...arb.Cmd) chain {
	t.Helper()
	ch := chain{
		front: startPlugin(t, "circuit"),
		op:    startPlugin(t, "forward"),
		back:  startPlugin(t, "bits"),
	}
	resp := ch.back.initialize(session.PluginBackend, "", backendCmds...)
	require.NoError(t, resp.Err())
	resp = ch.op.initialize(session.PluginOperator, resp.Initialized.Upstream)
	require.NoError(t, resp.Err())
	resp = ch.front.initialize(session.PluginFrontend, resp.Initialized.Upstream)
	require.NoError(t, resp.Err())
	return ch
}

func (ch chain) abort(t *testing.T) {
	t.Helper()
	for _, c := range []*controller{ch.front, ch.op, ch.back} {
		resp := c.do(session.Request{Type: session.RequestAbort})
		require.NoError(t, resp.Err())
		require.NoError(t, c.serveErr())
	}
}

func runRequest(t *testing.T, circuit string) session.Request {
	t.Helper()
	data, err := arb.NewData([]byte(circuit))
	require.NoError(t, err)
	return session.Request{Type: session.RequestRun, Run: &session.RunRequest{Data: data}}
}

func TestChainRunsCircuit(t *testing.T) {
	testlog.Start(t)
	ch := startChain(t)

	resp := ch.front.do(runRequest(t, `{"qubits":2,"cycles_per_gate":3,"gates":[
		{"name":"x","targets":[0]},
		{"name":"cx","controls":[0],"targets":[1],"measures":[0,1]}
	]}`))
	require.NoError(t, resp.Err())
	require.NotNil(t, resp.Run.Measurements)
	assert.Equal(t, 2, resp.Run.Measurements.Len())
	for _, q := range []qubit.Ref{1, 2} {
		m, err := resp.Run.Measurements.Get(q)
		require.NoError(t, err)
		assert.True(t, m.Value(), q.String())
	}

	var sum CircuitSummary
	require.NoError(t, json.Unmarshal(resp.Run.Data.JSON, &sum))
	// allocate, two gates with an advance each, free
	assert.Equal(t, CircuitSummary{Qubits: 2, Gates: 2, Sequences: 6}, sum)

	cmd, err := arb.NewCmd("bits", "dump", arb.Data{})
	require.NoError(t, err)
	resp = ch.back.do(session.Request{Type: session.RequestArb, Arb: &session.ArbRequest{Cmd: cmd}})
	require.NoError(t, resp.Err())
	var dump bitsDump
	require.NoError(t, json.Unmarshal(resp.Arb.Data.JSON, &dump))
	assert.Empty(t, dump.Bits)
	assert.Equal(t, qubit.Cycles(6), dump.Cycle)
	assert.Equal(t, uint64(2), dump.Gates)

	ch.abort(t)
}

func TestChainReportsBackendFailure(t *testing.T) {
	testlog.Start(t)
	ch := startChain(t)

	resp := ch.front.do(runRequest(t, `{"qubits":1,"gates":[{"name":"h","targets":[0]}]}`))
	err := resp.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gate h is not a classical permutation")

	// The link survives a failed request.
	resp = ch.front.do(runRequest(t, `{"qubits":1,"gates":[{"name":"measure","measures":[0]}]}`))
	require.NoError(t, resp.Err())
	assert.Equal(t, 1, resp.Run.Measurements.Len())

	ch.abort(t)
}

func TestInitializeCommandsReachBackend(t *testing.T) {
	testlog.Start(t)
	seed, err := arb.NewCmd("bits", "init", arb.Data{JSON: []byte(`{"initial":true}`)})
	require.NoError(t, err)
	ch := startChain(t, seed)

	resp := ch.front.do(runRequest(t, `{"qubits":1,"gates":[{"name":"measure","measures":[0]}]}`))
	require.NoError(t, resp.Err())
	m, err := resp.Run.Measurements.TakeAny()
	require.NoError(t, err)
	assert.True(t, m.Value())

	ch.abort(t)
}

func TestOperatorAnswersStats(t *testing.T) {
	testlog.Start(t)
	ch := startChain(t)
	resp := ch.front.do(runRequest(t, `{"qubits":1,"gates":[{"name":"x","targets":[0]}]}`))
	require.NoError(t, resp.Err())

	cmd, err := arb.NewCmd("forward", "stats", arb.Data{})
	require.NoError(t, err)
	resp = ch.op.do(session.Request{Type: session.RequestArb, Arb: &session.ArbRequest{Cmd: cmd}})
	require.NoError(t, resp.Err())
	var stats map[string]any
	require.NoError(t, json.Unmarshal(resp.Arb.Data.JSON, &stats))
	assert.EqualValues(t, 3, stats["acked"])
	assert.EqualValues(t, 0, stats["in_flight"])

	ch.abort(t)
}

func TestRequestInWrongStateEndsControlLoop(t *testing.T) {
	testlog.Start(t)
	c := startPlugin(t, "bits")
	resp := c.do(runRequest(t, `{"qubits":1}`))
	require.Error(t, resp.Err())
	assert.Contains(t, resp.Err().Error(), "run request while new")
	assert.ErrorIs(t, c.serveErr(), protocol.ErrProtocolViolation)
}

func TestUnsupportedRoleIsFailure(t *testing.T) {
	testlog.Start(t)
	c := startPlugin(t, "bits")
	resp := c.initialize(session.PluginFrontend, "tcp://127.0.0.1:1")
	require.Error(t, resp.Err())
	assert.Contains(t, resp.Err().Error(), "role not supported")

	// Still uninitialized, so a second initialize is allowed.
	resp = c.initialize(session.PluginBackend, "")
	require.NoError(t, resp.Err())
	assert.NotEmpty(t, resp.Initialized.Upstream)

	resp = c.do(session.Request{Type: session.RequestAbort})
	require.NoError(t, resp.Err())
	require.NoError(t, c.serveErr())
}

func TestControlChannelCloseStopsPlugin(t *testing.T) {
	testlog.Start(t)
	c := startPlugin(t, "bits")
	require.NoError(t, c.initialize(session.PluginBackend, "").Err())
	require.NoError(t, c.conn.Close())
	assert.NoError(t, c.serveErr())
}

func TestParseCircuitRejectsOutOfRange(t *testing.T) {
	testlog.Start(t)
	_, err := ParseCircuit([]byte(`{"qubits":1,"gates":[{"name":"cx","controls":[0],"targets":[1]}]}`))
	assert.ErrorIs(t, err, ErrInvalidCircuit)
	_, err = ParseCircuit([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidCircuit)
}

func TestBitBackendGates(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	b := NewBitBackend()
	require.NoError(t, b.Allocate(ctx, []qubit.Ref{1, 2, 3}, nil))
	set, err := arb.NewCmd("bits", "set_one", arb.Data{})
	require.NoError(t, err)
	require.NoError(t, b.Allocate(ctx, []qubit.Ref{4}, []arb.Cmd{set}))

	apply := func(name string, targets, controls, measures []qubit.Ref) []bool {
		t.Helper()
		g, err := gate.New(name, targets, controls, measures)
		require.NoError(t, err)
		ms, err := b.Gate(ctx, g)
		require.NoError(t, err)
		out := make([]bool, len(ms))
		for i, m := range ms {
			out[i] = m.Value()
		}
		return out
	}
	assert.Equal(t, []bool{false}, apply("ccx", []qubit.Ref{3}, []qubit.Ref{1, 4}, []qubit.Ref{3}))
	apply("x", []qubit.Ref{1}, nil, nil)
	assert.Equal(t, []bool{true}, apply("ccx", []qubit.Ref{3}, []qubit.Ref{1, 4}, []qubit.Ref{3}))
	assert.Equal(t, []bool{true, false}, apply("swap", []qubit.Ref{2, 3}, nil, []qubit.Ref{2, 3}))

	g, err := gate.New("swap", []qubit.Ref{1}, nil, nil)
	require.NoError(t, err)
	_, err = b.Gate(ctx, g)
	assert.Error(t, err)

	bad, err := arb.NewCmd("bits", "explode", arb.Data{})
	require.NoError(t, err)
	_, err = b.HandleArb(ctx, bad)
	assert.ErrorIs(t, err, ErrUnsupportedArb)
}

// stallBackend blocks the "stall" gate until its link is torn down.
type stallBackend struct {
	*BitBackend
	started chan struct{}
}

func (b *stallBackend) Gate(ctx context.Context, g gate.Gate) ([]measurement.Measurement, error) {
	if g.Name() != "stall" {
		return b.BitBackend.Gate(ctx, g)
	}
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

// sendOnly streams requests and leaves waiting to the run's final sync.
type sendOnly struct{}

func (sendOnly) Run(ctx context.Context, link *gatestream.Upstream, data arb.Data) (arb.Data, error) {
	refs, _, err := link.Allocate(ctx, 1)
	if err != nil {
		return arb.Data{}, err
	}
	g, err := gate.New("stall", refs, nil, nil)
	if err != nil {
		return arb.Data{}, err
	}
	_, err = link.Gate(ctx, g)
	return arb.Data{}, err
}

func TestRunFailsWhenLinkDropsMidRun(t *testing.T) {
	testlog.Start(t)
	backend := &stallBackend{BitBackend: NewBitBackend(), started: make(chan struct{})}
	back := startDefinition(t, "stall", Definition{
		Name:    "stall",
		Backend: func() gatestream.Handler { return backend },
	})
	front := startDefinition(t, "send", Definition{
		Name:     "send",
		Frontend: func() Frontend { return sendOnly{} },
	})
	resp := back.initialize(session.PluginBackend, "")
	require.NoError(t, resp.Err())
	resp = front.initialize(session.PluginFrontend, resp.Initialized.Upstream)
	require.NoError(t, resp.Err())

	go func() {
		<-backend.started
		_ = back.conn.Close()
	}()
	resp = front.do(runRequest(t, `{}`))
	var remote *session.RemoteError
	require.ErrorAs(t, resp.Err(), &remote)
	assert.Contains(t, remote.Message, "lost")
	assert.NoError(t, back.serveErr())

	front.do(session.Request{Type: session.RequestAbort})
	require.NoError(t, front.serveErr())
}
