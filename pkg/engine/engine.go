// Package engine defines the asynchronous execution contract the dbq
// coordination core drives, along with production engines for MySQL and
// Postgres. An engine owns the wire protocol, a single database session,
// and its own worker; results are handed back to the embedding context
// only through Drive.
package engine

import (
	"sync"
	"time"

	"github.com/edgeflare/dbq/pkg/dberr"
)

// State is the lifecycle state of the underlying network link.
type State int32

const (
	NotConnected State = iota
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "Not Connected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Kind selects the result shape of an Operation.
type Kind int

const (
	// Run executes a statement and discards its result.
	Run Kind = iota
	// Exec executes a statement and reports affected rows and insert id.
	Exec
	// Fetch returns every result row.
	Fetch
	// FetchOne returns the first result row, or absence.
	FetchOne
)

func (k Kind) String() string {
	switch k {
	case Run:
		return "run"
	case Exec:
		return "exec"
	case Fetch:
		return "fetch"
	case FetchOne:
		return "fetch_one"
	default:
		return "unknown"
	}
}

// Row is a single result row keyed by column name.
type Row map[string]any

// ExecResult reports the outcome of an Exec operation.
type ExecResult struct {
	RowsAffected int64
	LastInsertID int64
}

// Result carries the payload of a completed Operation. Exactly one field is
// populated, matching the operation's Kind; for FetchOne a nil Row means no
// row matched.
type Result struct {
	Exec *ExecResult
	Rows []Row
	Row  Row
}

// Callback receives the outcome of an Operation. It is invoked exactly
// once, always from within Drive on the driving goroutine.
type Callback func(*dberr.Error, *Result)

// Operation is one unit of database work. Once submitted it is immutable.
type Operation struct {
	Query    string
	Params   []any
	Raw      bool
	Kind     Kind
	Callback Callback
}

// Engine is the contract the coordination core consumes. Start, Disconnect,
// Ping and Submit never block the caller; every callback is delivered
// through a later Drive call.
type Engine interface {
	// Start (re-)establishes the link. Identity increments on success.
	Start(cb func(*dberr.Error))
	// Disconnect closes the link.
	Disconnect(cb func(*dberr.Error))
	// Ping round-trips the link and reports the observed latency.
	Ping(cb func(*dberr.Error, time.Duration))
	// Submit hands an operation to the engine's worker.
	Submit(op *Operation)
	// Drive runs pending completion callbacks on the calling goroutine and
	// returns how many it ran. It never blocks.
	Drive() int
	// State reads the link state.
	State() State
	// Identity tags the current network session. It changes whenever the
	// link is re-established, letting callers detect reconnects.
	Identity() int64
}

// bindArgs returns the arguments to hand the driver. Raw operations bind
// nothing: the statement text goes over the wire unchanged, which is what
// lets multi-statement input through on drivers that allow it.
func bindArgs(op *Operation) []any {
	if op.Raw {
		return nil
	}
	return op.Params
}

// completionQueue collects callbacks produced by engine workers until the
// embedding context drains them with Drive. Unbounded, FIFO.
type completionQueue struct {
	mu      sync.Mutex
	pending []func()
}

func (q *completionQueue) post(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
}

// drive pops and runs completions one at a time. The callback runs outside
// the lock so it may itself submit work or re-enter drive.
func (q *completionQueue) drive() int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return n
		}
		fn := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
		n++
	}
}
