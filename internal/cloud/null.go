package cloud

import (
	"context"

	"asistoya/internal/store"
)

// Null is selected when no usable credentials exist. It is never reachable.
type Null struct{}

func (Null) Name() string { return "null" }

func (Null) Put(context.Context, string, string, store.Document) error {
	return transient("put", ErrUnavailable)
}

func (Null) Query(context.Context, string, store.Filters) ([]store.Document, error) {
	return nil, transient("query", ErrUnavailable)
}

func (Null) Health(context.Context) error { return ErrUnavailable }
