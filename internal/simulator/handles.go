package simulator

import (
	"context"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/handle"
	"github.com/danmuck/gatestream/internal/measurement"
)

// RunHandles name the output of one run inside the simulator's arena.
type RunHandles struct {
	Data         handle.Handle
	Measurements handle.Handle
}

// Handles returns the arena that owns run outputs. Callers release what
// they are done with through Take or Delete.
func (s *Simulator) Handles() *handle.Arena {
	return s.arena
}

// RunToHandles runs like Run and moves the return data and the measurement
// set into the arena.
func (s *Simulator) RunToHandles(ctx context.Context, data arb.Data) (RunHandles, error) {
	out, err := s.Run(ctx, data)
	if err != nil {
		return RunHandles{}, err
	}
	dh, err := s.arena.Insert(out.Data)
	if err != nil {
		return RunHandles{}, err
	}
	set := out.Measurements
	if set == nil {
		set = measurement.NewResultSet()
	}
	mh, err := s.arena.Insert(set)
	if err != nil {
		_ = s.arena.Delete(dh)
		return RunHandles{}, err
	}
	s.log.Debugf("simulator.Simulator.RunToHandles session=%s data=%d measurements=%d", s.id, dh, mh)
	return RunHandles{Data: dh, Measurements: mh}, nil
}
