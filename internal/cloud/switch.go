package cloud

import (
	"context"
	"sync/atomic"

	"asistoya/internal/store"
)

// Switch forwards to an adapter that can be replaced while in use, e.g. when
// credentials appear after startup.
type Switch struct {
	current atomic.Pointer[holder]
}

type holder struct{ a Adapter }

// NewSwitch starts with a, or Null when a is nil.
func NewSwitch(a Adapter) *Switch {
	s := &Switch{}
	s.Set(a)
	return s
}

// Set replaces the active adapter.
func (s *Switch) Set(a Adapter) {
	if a == nil {
		a = Null{}
	}
	s.current.Store(&holder{a: a})
}

// Current returns the active adapter.
func (s *Switch) Current() Adapter { return s.current.Load().a }

func (s *Switch) Name() string { return s.Current().Name() }

func (s *Switch) Put(ctx context.Context, collection, id string, doc store.Document) error {
	return s.Current().Put(ctx, collection, id, doc)
}

func (s *Switch) Query(ctx context.Context, collection string, filters store.Filters) ([]store.Document, error) {
	return s.Current().Query(ctx, collection, filters)
}

func (s *Switch) Health(ctx context.Context) error { return s.Current().Health(ctx) }
