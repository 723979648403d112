// Package errors classifies the failures of the device runtime.
//
// Every error is one of three classes: Transient (retry or reconnect),
// Invalid (bad input, reported back to the caller) and Fatal (stop the
// process). On top of that the runtime uses sentinel kinds that callers test
// with errors.Is:
//
//   - ErrSchemaViolation, ErrStateForbidden: rejected reconfiguration; surfaced
//     as a (false, text) reply and never fatal.
//   - ErrRemoteTimeout, ErrInstanceGone: failed synchronous request.
//   - ErrTransport, ErrChannel: broker or pipeline socket failure, recovered by
//     reconnecting on the retry.Reconnect schedule.
//   - ErrHandlerException: user code failed inside a runtime goroutine.
//
// Wrap adds "component.method: action failed" context:
//
//	if err := out.Write(chunk, meta); err != nil {
//	    return errors.Wrap(err, "OutputChannel", "Write", "enqueue record")
//	}
//
// A remote slot failure arrives as *RemoteError, carrying the remote
// instance, slot, short message and details.
package errors
