// Package logproxy gives each component a Proxy that forwards records to a
// single Sink. The sink is the only reader, so records from one component
// keep their causal order.
package logproxy

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Record is one log entry produced by a component.
type Record struct {
	Name    string
	Level   Level
	Message string
	Fields  map[string]string
	Time    time.Time
}

// Proxy is the sending side handed to a component at construction. A nil
// *Proxy logs straight to the global zerolog logger.
type Proxy struct {
	name    string
	filter  Level
	ch      chan<- Record
	closing <-chan struct{}
	now     func() time.Time
}

func (p *Proxy) Name() string {
	if p == nil {
		return ""
	}
	return p.name
}

// Named returns a proxy for a sub-component sharing the same sink.
func (p *Proxy) Named(sub string) *Proxy {
	if p == nil {
		return nil
	}
	cp := *p
	if cp.name == "" {
		cp.name = sub
	} else {
		cp.name = cp.name + "." + sub
	}
	return &cp
}

// WithFilter returns a proxy dropping records below filter.
func (p *Proxy) WithFilter(filter Level) *Proxy {
	if p == nil {
		return nil
	}
	cp := *p
	cp.filter = filter
	return &cp
}

func (p *Proxy) Enabled(level Level) bool {
	if p == nil {
		return true
	}
	return level.Passes(p.filter)
}

// Log sends one record. It blocks while the sink is backed up and drops the
// record once the sink is closed.
func (p *Proxy) Log(level Level, msg string, fields map[string]string) {
	if !p.Enabled(level) {
		return
	}
	if p == nil {
		e := log.WithLevel(level.zerologLevel())
		for k, v := range fields {
			e = e.Str(k, v)
		}
		e.Msg(msg)
		return
	}
	rec := Record{Name: p.name, Level: level, Message: msg, Fields: fields, Time: p.now()}
	select {
	case <-p.closing:
		return
	default:
	}
	select {
	case p.ch <- rec:
	case <-p.closing:
	}
}

func (p *Proxy) Tracef(format string, args ...any) { p.Log(Trace, fmt.Sprintf(format, args...), nil) }
func (p *Proxy) Debugf(format string, args ...any) { p.Log(Debug, fmt.Sprintf(format, args...), nil) }
func (p *Proxy) Infof(format string, args ...any)  { p.Log(Info, fmt.Sprintf(format, args...), nil) }
func (p *Proxy) Notef(format string, args ...any)  { p.Log(Note, fmt.Sprintf(format, args...), nil) }
func (p *Proxy) Warnf(format string, args ...any)  { p.Log(Warn, fmt.Sprintf(format, args...), nil) }
func (p *Proxy) Errorf(format string, args ...any) { p.Log(Error, fmt.Sprintf(format, args...), nil) }
func (p *Proxy) Fatalf(format string, args ...any) { p.Log(Fatal, fmt.Sprintf(format, args...), nil) }
