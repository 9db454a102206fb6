package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

type ErrorKind string

const (
	ErrorTimeout     ErrorKind = "timeout"
	ErrorPermission  ErrorKind = "permission-denied"
	ErrorDisabled    ErrorKind = "transport-disabled"
	ErrorNotFound    ErrorKind = "address-not-found"
	ErrorTemporary   ErrorKind = "temporary"
	ErrorPermanent   ErrorKind = "permanent"
	ErrorHardware    ErrorKind = "hardware-blocked"
	ErrorCancelled   ErrorKind = "cancelled"
	ErrorUnsupported ErrorKind = "unsupported"
)

// Error is the classified error used across the module. Kind drives retry
// decisions and the recoverability hint shown to callers.
type Error struct {
	Kind ErrorKind
	Op   string
	URI  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %s", e.Op, e.Kind)
		}
		return string(e.Kind)
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func wrap(kind ErrorKind, op, uri string, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Error{Kind: kind, Op: op, URI: uri, Err: err}
}

func WrapTimeout(op, uri string, err error) error     { return wrap(ErrorTimeout, op, uri, err) }
func WrapPermission(op, uri string, err error) error  { return wrap(ErrorPermission, op, uri, err) }
func WrapDisabled(op, uri string, err error) error    { return wrap(ErrorDisabled, op, uri, err) }
func WrapNotFound(op, uri string, err error) error    { return wrap(ErrorNotFound, op, uri, err) }
func WrapTemporary(op, uri string, err error) error   { return wrap(ErrorTemporary, op, uri, err) }
func WrapPermanent(op, uri string, err error) error   { return wrap(ErrorPermanent, op, uri, err) }
func WrapHardware(op, uri string, err error) error    { return wrap(ErrorHardware, op, uri, err) }
func WrapCancelled(op string) error                   { return wrap(ErrorCancelled, op, "", nil) }
func WrapUnsupported(op, uri string, err error) error { return wrap(ErrorUnsupported, op, uri, err) }

func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func isKind(err error, kind ErrorKind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

func IsTimeout(err error) bool     { return isKind(err, ErrorTimeout) }
func IsPermission(err error) bool  { return isKind(err, ErrorPermission) }
func IsDisabled(err error) bool    { return isKind(err, ErrorDisabled) }
func IsNotFound(err error) bool    { return isKind(err, ErrorNotFound) }
func IsHardware(err error) bool    { return isKind(err, ErrorHardware) }
func IsUnsupported(err error) bool { return isKind(err, ErrorUnsupported) }

func IsCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return isKind(err, ErrorCancelled)
}

// Retryable reports whether retrying the operation could plausibly succeed
// without user intervention.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCancelled(err) {
		return false
	}
	switch KindOf(err) {
	case ErrorPermission, ErrorDisabled, ErrorNotFound, ErrorPermanent, ErrorHardware, ErrorUnsupported:
		return false
	}
	return true
}

// Classify wraps a raw transport error with the kind its surface suggests.
// Already-classified errors pass through untouched.
func Classify(op, uri string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return wrap(ErrorCancelled, op, uri, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(ErrorTimeout, op, uri, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return wrap(ErrorTimeout, op, uri, err)
	}
	if errors.Is(err, os.ErrPermission) {
		return wrap(ErrorPermission, op, uri, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsNotFound || dnsErr.IsTemporary == false) {
		return wrap(ErrorNotFound, op, uri, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "access denied"):
		return wrap(ErrorPermission, op, uri, err)
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "no such device"),
		strings.Contains(msg, "no such file"), strings.Contains(msg, "host is down"):
		return wrap(ErrorNotFound, op, uri, err)
	case strings.Contains(msg, "bluetooth"), strings.Contains(msg, "network is down"):
		return wrap(ErrorDisabled, op, uri, err)
	}
	return wrap(ErrorTemporary, op, uri, err)
}
