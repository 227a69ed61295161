package mcpmanager

import "errors"

// Sentinel errors returned by the dispatcher façade. Callers should compare
// with errors.Is rather than string matching. Task outcomes and the
// placement and retrieval failures of Submit and GetResult are reported
// through these; errors from New, Start, LoadConfig, LoadWeightTable,
// KillWorker and from a failing TransportFactory do not wrap any of them.
var (
	ErrDispatcherStopped = errors.New("dispatcher-stopped")
	ErrUnknownTask       = errors.New("unknown-task")
	ErrPending           = errors.New("pending")
	ErrTimeout           = errors.New("timeout")
	ErrPlacementFailed   = errors.New("placement-failed")
	ErrTransportFailed   = errors.New("transport-failed")
	ErrToolError         = errors.New("tool-error")
	ErrSalvageFailed     = errors.New("salvage-failed")
)

// Numeric error codes for callers that want integers instead of Go errors
// (§6 of the specification). Zero and positive values are reserved for
// success; every failure code is a distinct negative integer.
const (
	CodeSuccess = 0

	CodeTimeout    = -1001
	CodeClientDead = -1002
	CodeTaskFailed = -1003

	codeUnknownTask       = -1004
	codePending           = -1005
	codePlacementFailed   = -1006
	codeToolError         = -1007
	codeSalvageFailed     = -1008
	codeDispatcherStopped = -1009
)

// CodeOf maps a dispatcher error to its numeric convention. Errors not in
// the known taxonomy map to CodeTaskFailed, the generic failure bucket.
func CodeOf(err error) int {
	if err == nil {
		return CodeSuccess
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrTransportFailed):
		return CodeClientDead
	case errors.Is(err, ErrUnknownTask):
		return codeUnknownTask
	case errors.Is(err, ErrPending):
		return codePending
	case errors.Is(err, ErrPlacementFailed):
		return codePlacementFailed
	case errors.Is(err, ErrToolError):
		return codeToolError
	case errors.Is(err, ErrSalvageFailed):
		return codeSalvageFailed
	case errors.Is(err, ErrDispatcherStopped):
		return codeDispatcherStopped
	default:
		return CodeTaskFailed
	}
}
