package errs

import (
	"fmt"
	"strings"

	cr "github.com/cockroachdb/errors"
)

type Kind string

// Error kinds. Transport, protocol and decode errors are recovered where they
// happen; usage errors go straight back to the caller.
const (
	KindTransport Kind = "TRANSPORT"
	KindProtocol  Kind = "PROTOCOL"
	KindDecode    Kind = "DECODE"
	KindUsage     Kind = "USAGE"
)

// Sentinel errors. Match them with errors.Is.
var (
	ErrNotConnected   = cr.New("not connected")
	ErrInvalidCommand = cr.New("invalid status change command")
	ErrInvalidScope   = cr.New("invalid subscription scope")
	ErrConnectAborted = cr.New("connect aborted by disconnect")
	ErrNotMounted     = cr.New("binding not mounted")
)

// Error carries the kind of failure and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return string(e.Kind) + ": " + e.Op + ": " + e.err.Error()
	}
	return string(e.Kind) + ": " + e.Op
}

func (e *Error) Unwrap() error {
	return e.err
}

// Format lets %+v print the wrapped cause's stack trace.
func (e *Error) Format(s fmt.State, verb rune) { cr.FormatError(e, s, verb) }

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, err: err}
}

// Transport wraps a dial, handshake or socket failure.
func Transport(op string, err error) error {
	return newError(KindTransport, op, cr.WithStack(err))
}

// Protocol wraps a broker frame that could not be handled.
func Protocol(op string, err error) error {
	return newError(KindProtocol, op, cr.WithStack(err))
}

// Decode wraps a payload that failed to parse into a notification.
func Decode(op string, err error) error {
	return newError(KindDecode, op, err)
}

// Usage wraps a caller error such as ErrNotConnected.
func Usage(op string, err error) error {
	return newError(KindUsage, op, err)
}

// NotConnected is the usage error returned by operations that need a live session.
func NotConnected(op string) error {
	return Usage(op, ErrNotConnected)
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return cr.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return cr.Wrapf(err, format, args...)
}

func New(msg string) error {
	return cr.New(msg)
}

func Newf(format string, args ...any) error {
	return cr.Newf(format, args...)
}

func IsKind(err error, kind Kind) bool {
	var e *Error
	if cr.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ExtractStackLines returns at most maxLines lines of the verbose error print.
func ExtractStackLines(err error, maxLines int) []string {
	if err == nil {
		return nil
	}
	s := fmt.Sprintf("%+v", err)
	lines := strings.Split(s, "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return lines
}
