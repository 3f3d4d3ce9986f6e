package engine

import "sync/atomic"

// atomicState holds the link state shared between the engine worker and
// the embedding context.
type atomicState struct {
	v atomic.Int32
}

func (s *atomicState) load() State    { return State(s.v.Load()) }
func (s *atomicState) store(st State) { s.v.Store(int32(st)) }

// atomicIdentity is the monotonically increasing session tag. It bumps on
// every successful (re)connect so a transaction begun on an earlier session
// can tell its session no longer exists.
type atomicIdentity struct {
	v atomic.Int64
}

func (i *atomicIdentity) load() int64 { return i.v.Load() }
func (i *atomicIdentity) bump() int64 { return i.v.Add(1) }
