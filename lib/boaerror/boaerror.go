// Package boaerror classifies BOA failures into the two kinds the
// surrounding container runtime cares about: transient (the process
// should be restarted) and nontransient (a human needs to look at it).
//
// Every error that crosses a component boundary is expected to be
// trace.Wrap'd; this package never inspects error strings, only the
// sentinel kinds it or trace itself attaches.
package boaerror

import (
	"github.com/gravitational/trace"
)

// kind tags an error as transient or nontransient. It is carried by
// taggedError, which embeds the wrapped trace.Error so the usual
// trace.Wrap/OrigError chain keeps working.
type kind int

const (
	kindTransient kind = iota + 1
	kindNontransient
)

// taggedError pairs an underlying trace.Error with a classification.
type taggedError struct {
	trace.Error
	kind kind
}

// Transient returns a new transient-classified error.
func Transient(format string, args ...interface{}) error {
	return &taggedError{
		Error: trace.Wrap(trace.ConnectionProblem(nil, format, args...)).(trace.Error),
		kind:  kindTransient,
	}
}

// Nontransient returns a new nontransient-classified error.
func Nontransient(format string, args ...interface{}) error {
	return &taggedError{
		Error: trace.Wrap(trace.BadParameter(format, args...)).(trace.Error),
		kind:  kindNontransient,
	}
}

// WrapTransient tags an existing error as transient.
func WrapTransient(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &taggedError{
		Error: trace.Wrap(err, format, args...).(trace.Error),
		kind:  kindTransient,
	}
}

// WrapNontransient tags an existing error as nontransient.
func WrapNontransient(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &taggedError{
		Error: trace.Wrap(err, format, args...).(trace.Error),
		kind:  kindNontransient,
	}
}

// IsTransient reports whether err (or anything it wraps) was tagged
// transient. An untagged error defaults to transient: an unrecognised
// failure should favor a restart over silently stopping the process.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if t, ok := asTagged(err); ok {
		return t.kind == kindTransient
	}
	return true
}

// IsNontransient reports whether err (or anything it wraps) was
// tagged nontransient.
func IsNontransient(err error) bool {
	if err == nil {
		return false
	}
	t, ok := asTagged(err)
	return ok && t.kind == kindNontransient
}

func asTagged(err error) (*taggedError, bool) {
	for err != nil {
		if t, ok := err.(*taggedError); ok {
			return t, true
		}
		traceErr, ok := err.(trace.Error)
		if !ok {
			break
		}
		wrapped := traceErr.OrigError()
		if wrapped == nil || wrapped == err {
			break
		}
		err = wrapped
	}
	return nil, false
}

// ArtifactMissing indicates a required artifact type was absent from
// an image manifest.
func ArtifactMissing(contentType string) error {
	return Nontransient("artifact of type %q missing from manifest", contentType)
}

// TooManyArtifacts indicates a required artifact type appeared more
// than once in an image manifest.
func TooManyArtifacts(contentType string, count int) error {
	return Nontransient("expected exactly one artifact of type %q, found %d", contentType, count)
}

// TemplateException indicates the Session or Session Template could
// not be parsed or failed validation.
func TemplateException(format string, args ...interface{}) error {
	return Nontransient("invalid session template: "+format, args...)
}

// ConfigurationTimeout indicates wait_for_configuration exceeded its
// maximum duration without reaching the success threshold.
func ConfigurationTimeout(total, successes int, threshold float64) error {
	return Nontransient(
		"configuration timed out: %d/%d nodes configured, below threshold %.2f",
		successes, total, threshold)
}

// ExhaustedRetries indicates more nodes failed configuration than the
// success threshold tolerates.
func ExhaustedRetries(total, failed int, threshold float64) error {
	return Nontransient(
		"exhausted retries: %d/%d nodes failed, exceeding threshold %.2f",
		failed, total, threshold)
}

// NodesNotReady indicates every node being waited on dropped out of
// consideration (failed) before the wait condition was satisfied.
func NodesNotReady(state string) error {
	return Nontransient("no nodes reached state %q before retries were exhausted", state)
}

// AllNodesFailed indicates every targeted node failed a power
// operation, which §7 classifies as nontransient.
func AllNodesFailed(operation string) error {
	return Nontransient("all target nodes failed operation %q", operation)
}
