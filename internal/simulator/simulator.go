// Package simulator drives a chain of plugins over their control channels.
package simulator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/handle"
	"github.com/danmuck/gatestream/internal/logproxy"
	"github.com/danmuck/gatestream/internal/protocol/session"
	"github.com/rs/xid"
)

var (
	ErrChainTooShort  = errors.New("simulator: a chain needs a frontend and a backend")
	ErrUnknownPlugin  = errors.New("simulator: unknown plugin")
	ErrNotStarted     = errors.New("simulator: not started")
	ErrAlreadyStarted = errors.New("simulator: already started")
)

// Member is one plugin's control channel. Position in the chain decides the
// role: first is the frontend, last the backend, the rest operators.
type Member struct {
	Name     string
	Conn     io.ReadWriteCloser
	ArbCmds  []arb.Cmd
	LogLevel string
}

type member struct {
	Member
	role string
	mu   sync.Mutex
	r    *bufio.Reader
}

type Simulator struct {
	id      string
	members []*member
	log     *logproxy.Proxy
	arena   *handle.Arena

	mu      sync.Mutex
	started bool
	stopped bool
}

func New(members []Member, log *logproxy.Proxy) (*Simulator, error) {
	if len(members) < 2 {
		return nil, ErrChainTooShort
	}
	s := &Simulator{id: xid.New().String(), log: log.Named("simulator"), arena: handle.NewArena()}
	seen := make(map[string]bool, len(members))
	for i, m := range members {
		if m.Name == "" {
			return nil, fmt.Errorf("simulator: plugin %d has no name", i)
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("simulator: duplicate plugin name %q", m.Name)
		}
		seen[m.Name] = true
		role := session.PluginOperator
		switch i {
		case 0:
			role = session.PluginFrontend
		case len(members) - 1:
			role = session.PluginBackend
		}
		s.members = append(s.members, &member{Member: m, role: role, r: bufio.NewReader(m.Conn)})
	}
	return s, nil
}

func (s *Simulator) SessionID() string {
	return s.id
}

// Start initializes the chain back to front so every plugin learns the
// endpoint of its downstream neighbor.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	downstream := ""
	for i := len(s.members) - 1; i >= 0; i-- {
		m := s.members[i]
		resp, err := s.do(ctx, m, session.Request{
			Type: session.RequestInitialize,
			Initialize: &session.InitializeRequest{
				SessionID:  s.id,
				PluginName: m.Name,
				PluginType: m.role,
				Downstream: downstream,
				ArbCmds:    m.ArbCmds,
				LogPrefix:  m.Name,
				LogLevel:   m.LogLevel,
			},
		})
		if err != nil {
			return fmt.Errorf("simulator: initialize %s: %w", m.Name, err)
		}
		downstream = resp.Initialized.Upstream
		s.log.Infof("simulator.Simulator.Start session=%s plugin=%s role=%s upstream=%q", s.id, m.Name, m.role, downstream)
	}
	return nil
}

// Run sends data to the frontend and returns its output together with the
// measurements the run produced.
func (s *Simulator) Run(ctx context.Context, data arb.Data) (*session.RunResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := s.do(ctx, s.members[0], session.Request{Type: session.RequestRun, Run: &session.RunRequest{Data: data}})
	if err != nil {
		return nil, err
	}
	n := 0
	if resp.Run.Measurements != nil {
		n = resp.Run.Measurements.Len()
	}
	s.log.Infof("simulator.Simulator.Run session=%s measurements=%d elapsed=%s", s.id, n, time.Since(start))
	return resp.Run, nil
}

// Arb sends cmd to the named plugin.
func (s *Simulator) Arb(ctx context.Context, name string, cmd arb.Cmd) (arb.Data, error) {
	for i, m := range s.members {
		if m.Name == name {
			return s.ArbAt(ctx, i, cmd)
		}
	}
	return arb.Data{}, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
}

// ArbAt sends cmd to the plugin at position i; 0 is the frontend.
func (s *Simulator) ArbAt(ctx context.Context, i int, cmd arb.Cmd) (arb.Data, error) {
	if err := s.ready(); err != nil {
		return arb.Data{}, err
	}
	if i < 0 || i >= len(s.members) {
		return arb.Data{}, fmt.Errorf("%w: index %d of %d", ErrUnknownPlugin, i, len(s.members))
	}
	resp, err := s.do(ctx, s.members[i], session.Request{Type: session.RequestArb, Arb: &session.ArbRequest{Cmd: cmd}})
	if err != nil {
		return arb.Data{}, err
	}
	return resp.Arb.Data, nil
}

// Stop aborts the chain front to back and closes every control channel.
// Failures from individual plugins are joined.
func (s *Simulator) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	var errs []error
	for _, m := range s.members {
		if started {
			if _, err := s.do(ctx, m, session.Request{Type: session.RequestAbort}); err != nil {
				errs = append(errs, fmt.Errorf("simulator: abort %s: %w", m.Name, err))
			}
		}
		_ = m.Conn.Close()
	}
	err := errors.Join(errs...)
	if err != nil {
		s.log.Warnf("simulator.Simulator.Stop session=%s err=%v", s.id, err)
	} else {
		s.log.Infof("simulator.Simulator.Stop session=%s", s.id)
	}
	return err
}

func (s *Simulator) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return ErrNotStarted
	}
	return nil
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// do performs one request/response exchange. A failure response is returned
// as a *session.RemoteError.
func (s *Simulator) do(ctx context.Context, m *member, req session.Request) (session.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dl, ok := m.Conn.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() {
			_ = dl.SetDeadline(time.Now())
		})
		defer stop()
	}
	if err := session.WriteRequest(m.Conn, req); err != nil {
		return session.Response{}, s.ctxErr(ctx, err)
	}
	resp, err := session.ReadResponse(m.r)
	if err != nil {
		return session.Response{}, s.ctxErr(ctx, err)
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	if !matches(req.Type, resp.Type) {
		return resp, fmt.Errorf("%w: %s answered with %s", session.ErrInvalidResponse, req.Type, resp.Type)
	}
	return resp, nil
}

func (s *Simulator) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

func matches(req, resp string) bool {
	switch req {
	case session.RequestInitialize:
		return resp == session.ResponseInitialized
	case session.RequestRun:
		return resp == session.ResponseRun
	case session.RequestArb:
		return resp == session.ResponseArb
	default:
		return resp == session.ResponseSuccess
	}
}
