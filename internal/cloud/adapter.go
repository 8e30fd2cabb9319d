// Package cloud publishes documents to the remote document store and reads them back.
package cloud

import (
	"context"
	"errors"
	"fmt"

	"asistoya/internal/store"
)

// Remote collection names.
const (
	RemoteAttendance = "attendance_records"
	RemoteStudents   = "students"
	probeCollection  = "_connection_test"
	probeDocument    = "test"
)

// Adapter is a uniform interface over a backend document store.
type Adapter interface {
	Name() string
	// Put overwrites a document; the error, if any, is classified by Kind.
	Put(ctx context.Context, collection, id string, doc store.Document) error
	Query(ctx context.Context, collection string, filters store.Filters) ([]store.Document, error)
	// Health returns nil when the backend is reachable.
	Health(ctx context.Context) error
}

// Kind separates retryable failures from ones that need operator action.
type Kind int

const (
	Transient Kind = iota + 1
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a classified backend failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrUnavailable is reported by a backend that cannot be used at all.
var ErrUnavailable = errors.New("cloud backend unavailable")

func transient(op string, err error) error { return &Error{Kind: Transient, Op: op, Err: err} }
func permanent(op string, err error) error { return &Error{Kind: Permanent, Op: op, Err: err} }

// KindOf classifies err. Unclassified errors are treated as transient.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Transient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool { return KindOf(err) == Permanent }

// RemoteCollection maps a local collection name to its remote counterpart.
func RemoteCollection(local string) string {
	switch local {
	case store.CollectionAttendance:
		return RemoteAttendance
	case store.CollectionStudents:
		return RemoteStudents
	default:
		return local
	}
}
