package plugin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/gatestream"
	"github.com/danmuck/gatestream/internal/logproxy"
	"github.com/danmuck/gatestream/internal/observability"
	"github.com/danmuck/gatestream/internal/protocol"
	"github.com/danmuck/gatestream/internal/protocol/session"
)

var (
	ErrUnsupportedRole = errors.New("plugin: role not supported by this plugin")
	ErrUnsupportedArb  = errors.New("plugin: arb commands not supported")
)

type State int

const (
	StateNew State = iota
	StateInitialized
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitialized:
		return "initialized"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	Config session.Config
	// ListenAddr is where operators and backends accept their upstream
	// neighbor. Defaults to an ephemeral loopback port.
	ListenAddr string
	Dialer     session.Dialer
	Log        *logproxy.Proxy
}

// Status is a snapshot for the admin server.
type Status struct {
	Name      string                      `json:"name"`
	Role      string                      `json:"role,omitempty"`
	State     string                      `json:"state"`
	SessionID string                      `json:"session_id,omitempty"`
	Upstream  *gatestream.UpstreamStats   `json:"upstream,omitempty"`
	Incoming  *gatestream.DownstreamStats `json:"incoming,omitempty"`
}

// Plugin serves the control protocol for one plugin instance.
type Plugin struct {
	name string
	def  Definition
	opts Options
	ctx  context.Context
	stop context.CancelFunc

	mu        sync.Mutex
	log       *logproxy.Proxy
	state     State
	role      string
	sessionID string
	frontend  Frontend
	behavior  any
	up        *gatestream.Upstream
	down      *gatestream.Downstream
	downErr   chan error
	ln        net.Listener
}

func New(name string, def Definition, opts Options) *Plugin {
	opts.Config = opts.Config.WithDefaults()
	if opts.ListenAddr == "" {
		opts.ListenAddr = "127.0.0.1:0"
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Plugin{
		name:    name,
		def:     def,
		opts:    opts,
		ctx:     ctx,
		stop:    stop,
		log:     opts.Log.Named(name),
		downErr: make(chan error, 1),
	}
}

func (p *Plugin) Name() string {
	return p.name
}

// Serve answers control requests read from rw until an abort completes, the
// simulator hangs up, or a request arrives in the wrong state.
func (p *Plugin) Serve(ctx context.Context, rw io.ReadWriter) error {
	defer p.shutdown()
	r := bufio.NewReader(rw)
	for {
		req, err := session.ReadRequest(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.logger().Infof("plugin.Plugin.Serve name=%s control channel closed", p.name)
				return nil
			}
			if errors.Is(err, session.ErrInvalidRequest) {
				_ = session.WriteResponse(rw, session.Failed(err))
				return protocol.WrapViolation("control request", err)
			}
			return err
		}

		start := time.Now()
		resp, fatal := p.handle(ctx, req)
		observability.RecordControlRequest(p.name, req.Type, time.Since(start), resp.Type != session.ResponseFailure)
		if err := session.WriteResponse(rw, resp); err != nil {
			return err
		}
		if fatal != nil {
			p.logger().Errorf("plugin.Plugin.Serve name=%s err=%v", p.name, fatal)
			return fatal
		}
		if req.Type == session.RequestAbort {
			return nil
		}
	}
}

// handle returns the response for req and, for requests arriving in the
// wrong state, the violation that ends the control loop.
func (p *Plugin) handle(ctx context.Context, req session.Request) (session.Response, error) {
	state := p.State()
	want := StateInitialized
	switch req.Type {
	case session.RequestInitialize:
		want = StateNew
	case session.RequestAbort:
		want = state
	}
	if state != want {
		err := protocol.Violation("%s request while %s", req.Type, state)
		return session.Failed(err), err
	}

	switch req.Type {
	case session.RequestInitialize:
		upstream, err := p.initialize(ctx, *req.Initialize)
		if err != nil {
			return session.Failed(err), nil
		}
		return session.Response{
			Type:        session.ResponseInitialized,
			Initialized: &session.InitializeResponse{Upstream: upstream},
		}, nil
	case session.RequestRun:
		out, err := p.run(ctx, req.Run.Data)
		if err != nil {
			return session.Failed(err), nil
		}
		return session.Response{Type: session.ResponseRun, Run: out}, nil
	case session.RequestArb:
		data, err := p.arb(ctx, req.Arb.Cmd)
		if err != nil {
			return session.Failed(err), nil
		}
		return session.Response{Type: session.ResponseArb, Arb: &session.ArbResponse{Data: data}}, nil
	default:
		if err := p.abort(ctx); err != nil {
			return session.Failed(err), nil
		}
		return session.Success(), nil
	}
}

func (p *Plugin) initialize(ctx context.Context, req session.InitializeRequest) (string, error) {
	p.mu.Lock()
	if req.LogPrefix != "" {
		p.log = p.opts.Log.Named(req.LogPrefix)
	}
	if req.LogLevel != "" {
		lvl, err := logproxy.ParseLevel(req.LogLevel)
		if err != nil {
			p.mu.Unlock()
			return "", err
		}
		p.log = p.log.WithFilter(lvl)
	}
	p.mu.Unlock()
	log := p.logger()
	log.Infof("plugin.Plugin.initialize name=%s session=%s role=%s downstream=%q", p.name, req.SessionID, req.PluginType, req.Downstream)

	var (
		up       *gatestream.Upstream
		behavior any
		frontend Frontend
		upstream string
		err      error
	)
	switch req.PluginType {
	case session.PluginFrontend:
		if p.def.Frontend == nil {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedRole, req.PluginType)
		}
		if up, err = p.dial(ctx, req.Downstream); err != nil {
			return "", err
		}
		frontend = p.def.Frontend()
		behavior = frontend
	case session.PluginOperator:
		if p.def.Operator == nil {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedRole, req.PluginType)
		}
		if up, err = p.dial(ctx, req.Downstream); err != nil {
			return "", err
		}
		h := p.def.Operator(up)
		behavior = h
		if upstream, err = p.listen(h); err != nil {
			_ = up.Close()
			return "", err
		}
	case session.PluginBackend:
		if p.def.Backend == nil {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedRole, req.PluginType)
		}
		h := p.def.Backend()
		behavior = h
		if upstream, err = p.listen(h); err != nil {
			return "", err
		}
	}

	p.mu.Lock()
	p.up = up
	p.role = req.PluginType
	p.sessionID = req.SessionID
	p.frontend = frontend
	p.behavior = behavior
	p.mu.Unlock()

	if in, ok := behavior.(Initializer); ok {
		if err := in.Initialize(ctx, req.ArbCmds); err != nil {
			p.release()
			p.mu.Lock()
			p.up, p.down, p.ln, p.behavior, p.frontend = nil, nil, nil, nil, nil
			p.mu.Unlock()
			return "", err
		}
	}
	p.setState(StateInitialized)
	return upstream, nil
}

func (p *Plugin) dial(ctx context.Context, endpoint string) (*gatestream.Upstream, error) {
	conn, err := session.DialEndpoint(ctx, p.opts.Dialer, endpoint, p.opts.Config)
	if err != nil {
		return nil, fmt.Errorf("plugin: dial downstream %s: %w", endpoint, err)
	}
	return gatestream.NewUpstream(p.name+".out", conn, p.opts.Config, p.logger().Named("out")), nil
}

// listen accepts exactly one upstream neighbor and serves it with h.
func (p *Plugin) listen(h gatestream.Handler) (string, error) {
	network, addr, err := session.ParseEndpoint(p.opts.ListenAddr)
	if err != nil {
		return "", err
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.ln = ln
	p.mu.Unlock()
	go p.acceptOne(ln, h)
	return session.FormatEndpoint(ln.Addr()), nil
}

func (p *Plugin) acceptOne(ln net.Listener, h gatestream.Handler) {
	conn, err := ln.Accept()
	_ = ln.Close()
	if err != nil {
		return
	}
	d := gatestream.NewDownstream(p.name+".in", conn, h, p.opts.Config, p.logger().Named("in"))
	p.mu.Lock()
	p.down = d
	p.mu.Unlock()
	p.downErr <- d.Serve(p.ctx)
}

func (p *Plugin) run(ctx context.Context, data arb.Data) (*session.RunResponse, error) {
	p.mu.Lock()
	frontend, up := p.frontend, p.up
	p.mu.Unlock()
	if frontend == nil {
		return nil, fmt.Errorf("%w: run requires a frontend", ErrUnsupportedRole)
	}
	out, err := frontend.Run(ctx, up, data)
	if err != nil {
		return nil, err
	}
	if err := up.Sync(ctx); err != nil {
		return nil, err
	}
	return &session.RunResponse{Data: out, Measurements: up.TakeResults()}, nil
}

func (p *Plugin) arb(ctx context.Context, cmd arb.Cmd) (arb.Data, error) {
	p.mu.Lock()
	behavior := p.behavior
	p.mu.Unlock()
	h, ok := behavior.(ArbHandler)
	if !ok {
		return arb.Data{}, fmt.Errorf("%w: %s", ErrUnsupportedArb, cmd)
	}
	return h.HandleArb(ctx, cmd)
}

// abort quiesces the outgoing link, then the incoming one. Each waits at
// most FlushTimeout.
func (p *Plugin) abort(ctx context.Context) error {
	p.mu.Lock()
	up, down, ln := p.up, p.down, p.ln
	p.mu.Unlock()
	log := p.logger()

	var errs []error
	if up != nil {
		report, err := up.Abort(ctx)
		log.Infof("plugin.Plugin.abort name=%s completed=%v failed=%v lost=%v discarded=%d",
			p.name, report.Completed, report.Failed, report.Lost, report.Discarded)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if ln != nil && down == nil {
		_ = ln.Close()
	}
	if down != nil {
		qctx, cancel := context.WithTimeout(ctx, p.opts.Config.FlushTimeout)
		err := down.Quiesce(qctx)
		cancel()
		if err != nil {
			errs = append(errs, err)
		}
	}
	p.setState(StateAborted)
	return errors.Join(errs...)
}

func (p *Plugin) shutdown() {
	p.release()
	p.stop()
}

// release closes every link without a quiescence handshake.
func (p *Plugin) release() {
	p.mu.Lock()
	up, down, ln := p.up, p.down, p.ln
	p.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	if up != nil {
		_ = up.Close()
	}
	if down != nil {
		_ = down.Close()
	}
}

func (p *Plugin) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Plugin) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Plugin) logger() *logproxy.Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.log
}

func (p *Plugin) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{Name: p.name, Role: p.role, State: p.state.String(), SessionID: p.sessionID}
	if p.up != nil {
		s := p.up.Stats()
		st.Upstream = &s
	}
	if p.down != nil {
		s := p.down.Stats()
		st.Incoming = &s
	}
	return st
}
