// Package errcode defines the result codes surfaced across every bus boundary:
// driver calls, client calls, the wire protocol and the command line tools.
package errcode

import "errors"

// Code is a stable result identifier. It implements error so it can be
// returned directly or wrapped with context.
type Code string

func (c Code) Error() string { return string(c) }

const (
	OK              Code = "ok"
	Failed          Code = "failed"
	TooManyElements Code = "too_many_elements"
	LockError       Code = "lock_error"
	NotFound        Code = "not_found"
	CantStartServer Code = "cant_start_server"
	Duplicated      Code = "duplicated"
	EmptyBlob       Code = "empty_blob"
)

// E wraps a Code with the operation that produced it and an optional cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// New returns an *E for code c.
func New(c Code, op, msg string) error {
	return &E{C: c, Op: op, Msg: msg}
}

// Wrap returns an *E for code c with err as its cause. A nil err yields nil.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: c, Op: op, Err: err}
}

// Of extracts the Code of err, looking through wrapped errors.
// nil maps to OK and errors without a code map to Failed.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Failed
}

// Is reports whether err carries code c.
func Is(err error, c Code) bool {
	return Of(err) == c
}
