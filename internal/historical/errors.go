package historical

import "errors"

// Sentinel error kinds the orchestrator recognizes when deciding whether a
// task failure is retried or treated as fatal for that source. RPCError
// wraps the underlying error with one of these kinds so onError handlers
// can classify it with errors.Is.
var (
	// ErrRPCTransient covers timeouts, 5xx responses, and rate limiting.
	// Retried by re-enqueue at the task's original priority.
	ErrRPCTransient = errors.New("historical: transient rpc error")

	// ErrBlockNotFound and ErrReceiptNotFound are treated as transient at
	// this layer: data should exist for finalized blocks, so absence
	// implies a momentarily-inconsistent upstream node.
	ErrBlockNotFound   = errors.New("historical: block not found")
	ErrReceiptNotFound = errors.New("historical: receipt not found")

	// ErrRangeValidation marks a source whose block range could not be
	// scheduled. Fatal for that source at setup; the source is skipped
	// with a warning rather than retried.
	ErrRangeValidation = errors.New("historical: invalid block range")

	// ErrStoreInsert covers sync store write failures. Retried by
	// re-enqueue; persistent failures loop until Kill unless the
	// orchestrator's MaxTaskAttempts bound is configured.
	ErrStoreInsert = errors.New("historical: store insert failed")
)

// RPCError associates an underlying error with one of the sentinel kinds
// above, so callers can both log the original error and classify it via
// errors.Is(err, ErrRPCTransient) etc.
type RPCError struct {
	Kind error
	Err  error
}

func (e *RPCError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *RPCError) Unwrap() error { return e.Kind }

func (e *RPCError) Cause() error { return e.Err }

func newTransient(err error) error {
	return &RPCError{Kind: ErrRPCTransient, Err: err}
}

func newStoreInsert(err error) error {
	return &RPCError{Kind: ErrStoreInsert, Err: err}
}
