package plugin

import (
	"context"
	"sort"
	"sync"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/gatestream"
)

// Frontend drives a run through the link to the first downstream plugin.
type Frontend interface {
	Run(ctx context.Context, link *gatestream.Upstream, data arb.Data) (arb.Data, error)
}

// Initializer is implemented by behaviors that accept the initialize
// request's arb commands.
type Initializer interface {
	Initialize(ctx context.Context, cmds []arb.Cmd) error
}

// ArbHandler is implemented by behaviors that answer arb control requests.
type ArbHandler interface {
	HandleArb(ctx context.Context, cmd arb.Cmd) (arb.Data, error)
}

// Definition names a behavior for each role a plugin can take. Unused roles
// are left nil.
type Definition struct {
	Name     string
	Frontend func() Frontend
	Operator func(next *gatestream.Upstream) gatestream.Handler
	Backend  func() gatestream.Handler
}

var (
	mu       sync.RWMutex
	registry = map[string]Definition{}
)

func Register(d Definition) {
	mu.Lock()
	defer mu.Unlock()
	registry[d.Name] = d
}

// Names lists registered definitions in order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func Get(name string) (Definition, bool) {
	mu.RLock()
	defer mu.RUnlock()
	d, ok := registry[name]
	return d, ok
}

func init() {
	Register(Definition{Name: "circuit", Frontend: func() Frontend { return &CircuitFrontend{} }})
	Register(Definition{Name: "forward", Operator: func(next *gatestream.Upstream) gatestream.Handler { return NewForwarder(next) }})
	Register(Definition{Name: "bits", Backend: func() gatestream.Handler { return NewBitBackend() }})
}
