package repositories

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrInvalidMessage      = errors.New("message needs content or attachments")
	ErrInvalidParticipants = errors.New("conversation needs two distinct participants")
	ErrStoreUnavailable    = errors.New("store unavailable")

	// errDuplicateConversation resolves a lost create race; it never leaves this package.
	errDuplicateConversation = errors.New("duplicate conversation")
)

const (
	uniqueViolation           = "23505"
	invalidTextRepresentation = "22P02"
)

// classify maps driver failures onto the error taxonomy. Errors it does not recognise pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == uniqueViolation:
			return errDuplicateConversation
		case pqErr.Code == invalidTextRepresentation:
			// ids are uuids; anything unparsable cannot exist
			return ErrNotFound
		case pqErr.Code.Class() == "08", pqErr.Code == "57P01", pqErr.Code == "57P02", pqErr.Code == "57P03", pqErr.Code == "53300":
			return wrapUnavailable(err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return wrapUnavailable(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return wrapUnavailable(err)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return wrapUnavailable(err)
	}
	return err
}

type unavailableError struct {
	cause error
}

func (e unavailableError) Error() string { return ErrStoreUnavailable.Error() + ": " + e.cause.Error() }

func (e unavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

func (e unavailableError) Unwrap() error { return e.cause }

func wrapUnavailable(err error) error {
	return unavailableError{cause: err}
}
