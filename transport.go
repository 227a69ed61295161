package mcpmanager

import "context"

// Transport is the only seam by which the dispatcher reaches an external
// tool-execution process. A Transport is strictly single-duplex: the caller
// (a Worker) never issues a second Invoke before the first returns.
//
// Implementations: FakeTransport (in-process, for tests) and
// ProcessTransport (spawns and speaks to a real external process).
type Transport interface {
	// Invoke blocks until a single result is returned or the session fails.
	// A tool-reported failure is a normal completion: Invoke returns
	// (result, nil) with the failure carried in Result.Err, not as Invoke's
	// own error return. Invoke's error return is reserved for transport-level
	// failure (the process died, the pipe broke, a response failed to decode).
	Invoke(ctx context.Context, tool string, args any) (Result, error)

	// Alive is a cheap, non-blocking liveness probe.
	Alive() bool

	// Close releases the underlying process/connection. Idempotent.
	Close() error
}

// Result is the outcome of a single Invoke call.
type Result struct {
	// Value holds the tool's successful output. Nil when Err is set.
	Value any
	// Err classifies a structured tool-reported failure (ErrToolError) as
	// opposed to a transport-level failure, which Invoke reports via its
	// own error return instead.
	Err error
}

// TransportFactory creates one Transport per worker. Implementations are
// free to be expensive (spawning a process) — the pool only calls this when
// actually growing.
type TransportFactory func(ctx context.Context, workerID string) (Transport, error)

// killable is implemented by transports that support forced termination
// for fault-injection testing. FakeTransport implements it; ProcessTransport
// does not, so Worker.Kill reports false for process-backed workers.
type killable interface {
	Kill()
}
