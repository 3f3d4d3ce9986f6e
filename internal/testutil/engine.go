// Package testutil provides a scripted in-memory engine so the
// coordination core can be tested hermetically, without a database.
package testutil

import (
	"sync"
	"time"

	"github.com/edgeflare/dbq/pkg/dberr"
	"github.com/edgeflare/dbq/pkg/engine"
)

// FakeEngine implements engine.Engine. Submitted operations resolve
// through a Handler (or to empty results) and their completions queue up
// until Drive is called, mirroring the asynchronous contract of the real
// engines while staying fully deterministic.
type FakeEngine struct {
	mu          sync.Mutex
	state       engine.State
	identity    int64
	completions []func()

	// Queries records every submitted statement in submission order.
	Queries []string
	// Handler resolves operations; nil means empty success results.
	Handler func(op *engine.Operation) (*engine.Result, *dberr.Error)
	// HoldIf keeps matching operations in flight until Release is called,
	// simulating a slow statement.
	HoldIf func(op *engine.Operation) bool
	held   []func()
	// StartErr, when set, makes Start fail and leaves the state untouched.
	StartErr *dberr.Error
	// PingErr and PingLatency script Ping outcomes.
	PingErr     *dberr.Error
	PingLatency time.Duration
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		state:       engine.NotConnected,
		PingLatency: time.Millisecond,
	}
}

func (f *FakeEngine) State() engine.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakeEngine) Identity() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

// SetState forces the link state, simulating external transitions.
func (f *FakeEngine) SetState(s engine.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// BumpIdentity simulates a transparent reconnect underneath the caller.
func (f *FakeEngine) BumpIdentity() {
	f.mu.Lock()
	f.identity++
	f.mu.Unlock()
}

func (f *FakeEngine) Start(cb func(*dberr.Error)) {
	err := f.StartErr
	if err == nil {
		f.mu.Lock()
		f.state = engine.Connected
		f.identity++
		f.mu.Unlock()
	}
	if cb != nil {
		f.post(func() { cb(err) })
	}
}

func (f *FakeEngine) Disconnect(cb func(*dberr.Error)) {
	f.SetState(engine.Disconnected)
	if cb != nil {
		f.post(func() { cb(nil) })
	}
}

func (f *FakeEngine) Ping(cb func(*dberr.Error, time.Duration)) {
	err, latency := f.PingErr, f.PingLatency
	f.post(func() { cb(err, latency) })
}

func (f *FakeEngine) Submit(op *engine.Operation) {
	f.mu.Lock()
	f.Queries = append(f.Queries, op.Query)
	handler := f.Handler
	connected := f.state == engine.Connected
	f.mu.Unlock()

	var (
		res *engine.Result
		err *dberr.Error
	)
	switch {
	case !connected:
		err = dberr.New("connection is not open")
	case handler != nil:
		res, err = handler(op)
	default:
		res = defaultResult(op.Kind)
	}

	completion := func() { op.Callback(err, res) }
	if f.HoldIf != nil && f.HoldIf(op) {
		f.mu.Lock()
		f.held = append(f.held, completion)
		f.mu.Unlock()
		return
	}
	f.post(completion)
}

// Release lets the oldest held operation complete on the next Drive.
func (f *FakeEngine) Release() {
	f.mu.Lock()
	if len(f.held) == 0 {
		f.mu.Unlock()
		return
	}
	fn := f.held[0]
	f.held = f.held[1:]
	f.completions = append(f.completions, fn)
	f.mu.Unlock()
}

func defaultResult(kind engine.Kind) *engine.Result {
	if kind == engine.Exec {
		return &engine.Result{Exec: &engine.ExecResult{}}
	}
	return &engine.Result{}
}

// Drive pops completions one at a time and runs them outside the lock, so
// a completion may submit further work or re-enter Drive.
func (f *FakeEngine) Drive() int {
	n := 0
	for {
		f.mu.Lock()
		if len(f.completions) == 0 {
			f.mu.Unlock()
			return n
		}
		fn := f.completions[0]
		f.completions = f.completions[1:]
		f.mu.Unlock()

		fn()
		n++
	}
}

func (f *FakeEngine) post(fn func()) {
	f.mu.Lock()
	f.completions = append(f.completions, fn)
	f.mu.Unlock()
}
