package logproxy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink owns the record channel and writes every record to a zerolog logger.
type Sink struct {
	ch      chan Record
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
	logger  zerolog.Logger
	filter  Level

	mu      sync.Mutex
	written uint64
}

// NewSink starts the reader goroutine. buffer bounds how far producers may
// run ahead of the writer.
func NewSink(logger zerolog.Logger, filter Level, buffer int) *Sink {
	if buffer < 0 {
		buffer = 0
	}
	s := &Sink{
		ch:      make(chan Record, buffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
		filter:  filter,
	}
	go s.run()
	return s
}

// Proxy returns a sender for one component.
func (s *Sink) Proxy(name string, filter Level) *Proxy {
	return &Proxy{
		name:    name,
		filter:  filter,
		ch:      s.ch,
		closing: s.closing,
		now:     time.Now,
	}
}

// Written reports how many records passed the sink filter.
func (s *Sink) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close stops intake, writes whatever is already queued and waits for the
// reader to exit.
func (s *Sink) Close() {
	s.once.Do(func() {
		close(s.closing)
	})
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for {
		select {
		case rec := <-s.ch:
			s.write(rec)
		case <-s.closing:
			for {
				select {
				case rec := <-s.ch:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(rec Record) {
	if !rec.Level.Passes(s.filter) {
		return
	}
	e := s.logger.WithLevel(rec.Level.zerologLevel())
	if rec.Name != "" {
		e = e.Str("component", rec.Name)
	}
	if rec.Level == Note {
		e = e.Bool("note", true)
	}
	for k, v := range rec.Fields {
		e = e.Str(k, v)
	}
	e.Time("at", rec.Time).Msg(rec.Message)
	s.mu.Lock()
	s.written++
	s.mu.Unlock()
}
