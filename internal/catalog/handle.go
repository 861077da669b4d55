package catalog

import (
	"context"
	"sync"
)

// Handle loads the catalog at most once and hands the same instance to every
// caller. A failed load is cached too: the process is expected to exit.
type Handle struct {
	load func(context.Context) (*Catalog, error)

	once sync.Once
	cat  *Catalog
	err  error
}

func NewHandle(load func(context.Context) (*Catalog, error)) *Handle {
	return &Handle{load: load}
}

func (h *Handle) Get(ctx context.Context) (*Catalog, error) {
	h.once.Do(func() {
		h.cat, h.err = h.load(ctx)
	})
	return h.cat, h.err
}
