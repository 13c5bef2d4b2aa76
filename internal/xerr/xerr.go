// Package xerr implements the crawler's error taxonomy: a small set of
// error kinds that every component tags its failures with, so the Sink and
// the operational bootstrap can decide what is fatal versus routine.
package xerr

import "fmt"

// Kind classifies an error without requiring callers to type-switch on
// concrete error types, surfacing a taxonomy of failure kinds rather than a
// hierarchy of exception classes.
type Kind string

const (
	// Configuration is invalid at startup. Fatal.
	Configuration Kind = "configuration"
	// Network covers socket failures, recovered locally with bounded
	// retry/backoff; escalated only if persistent.
	Network Kind = "network"
	// Protocol covers malformed DHT or BitTorrent messages. Recovered by
	// dropping the packet/closing the peer.
	Protocol Kind = "protocol"
	// Timeout covers handshake, piece, session or DHT transaction
	// timeouts. Recovered with bounded retry, then surfaced.
	Timeout Kind = "timeout"
	// Validation covers SHA-1 mismatch, oversize metadata, or
	// out-of-range piece index. Session is aborted and surfaced.
	Validation Kind = "validation"
	// Capacity covers routing-table-full-with-no-evictable-node or
	// queue-reject conditions. Dropped silently with a metric bump.
	Capacity Kind = "capacity"
)

// Error wraps an underlying cause with a Kind and the component/context it
// occurred in.
type Error struct {
	Kind    Kind
	Context string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Context)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, context string, err error) *Error {
	return &Error{Kind: kind, Context: context, Err: err}
}

// Fatal reports whether an error kind always terminates the process: only
// ConfigurationError or an unrecoverable engine failure (which callers tag
// as Network once it has persisted past its retry budget) warrant a
// non-zero exit.
func Fatal(kind Kind) bool {
	return kind == Configuration
}
