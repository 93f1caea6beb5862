package simulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/plugin"
)

// LocalPlugin selects a registered plugin definition to run in-process.
type LocalPlugin struct {
	Name       string
	Definition string
	ArbCmds    []arb.Cmd
	LogLevel   string
}

// Local hosts plugins in this process. Each control channel is one end of a
// net.Pipe; gatestream links still go through real listeners.
type Local struct {
	Plugins []*plugin.Plugin
	Members []Member

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

func StartLocal(ctx context.Context, specs []LocalPlugin, opts plugin.Options) (*Local, error) {
	l := &Local{}
	for _, spec := range specs {
		def, ok := plugin.Get(spec.Definition)
		if !ok {
			l.closeAll()
			return nil, fmt.Errorf("%w: definition %q", ErrUnknownPlugin, spec.Definition)
		}
		p := plugin.New(spec.Name, def, opts)
		ours, theirs := net.Pipe()
		l.Plugins = append(l.Plugins, p)
		l.Members = append(l.Members, Member{Name: spec.Name, Conn: ours, ArbCmds: spec.ArbCmds, LogLevel: spec.LogLevel})

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer theirs.Close()
			if err := p.Serve(ctx, theirs); err != nil {
				l.mu.Lock()
				l.errs = append(l.errs, fmt.Errorf("%s: %w", p.Name(), err))
				l.mu.Unlock()
			}
		}()
	}
	return l, nil
}

func (l *Local) closeAll() {
	for _, m := range l.Members {
		_ = m.Conn.Close()
	}
	l.wg.Wait()
}

// Wait blocks until every plugin's control loop has returned.
func (l *Local) Wait() error {
	l.wg.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Join(l.errs...)
}
