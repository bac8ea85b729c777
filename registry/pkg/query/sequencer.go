package query

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrSuperseded is returned for a result whose request was overtaken by a
// newer one on the same sequencer.
var ErrSuperseded = errors.New("query superseded by a newer request")

// Ticket identifies one request on a Sequencer.
type Ticket uint64

// Sequencer hands out monotonic tickets. Running scans cannot be preempted,
// so a result is discarded on arrival when a newer ticket exists.
type Sequencer struct {
	latest atomic.Uint64
}

func (s *Sequencer) Next() Ticket {
	return Ticket(s.latest.Add(1))
}

// Accept reports ErrSuperseded unless t is the newest ticket.
func (s *Sequencer) Accept(t Ticket) error {
	if uint64(t) != s.latest.Load() {
		return ErrSuperseded
	}
	return nil
}

// Sequencers keeps one Sequencer per caller-chosen channel name.
type Sequencers struct {
	m sync.Map
}

func (s *Sequencers) For(channel string) *Sequencer {
	v, _ := s.m.LoadOrStore(channel, &Sequencer{})
	return v.(*Sequencer)
}
