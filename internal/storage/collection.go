package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Collection gives typed access to one collection of a Store.
type Collection[T any] struct {
	store Store
	name  string
}

func NewCollection[T any](s Store, name string) *Collection[T] {
	return &Collection[T]{store: s, name: name}
}

func (c *Collection[T]) Name() string { return c.name }

func (c *Collection[T]) Insert(ctx context.Context, id string, v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", c.name, err)
	}
	return c.store.Insert(ctx, c.name, id, b)
}

func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var v T
	b, err := c.store.Get(ctx, c.name, id)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("%s/%s: decode: %w", c.name, id, err)
	}
	return v, nil
}

func (c *Collection[T]) Update(ctx context.Context, id string, v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", c.name, err)
	}
	return c.store.Update(ctx, c.name, id, b)
}

func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	return c.store.Delete(ctx, c.name, id)
}

// List decodes every document. Undecodable documents fail the whole call.
func (c *Collection[T]) List(ctx context.Context) ([]T, error) {
	recs, err := c.store.List(ctx, c.name)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		var v T
		if err := json.Unmarshal(r.Data, &v); err != nil {
			return nil, fmt.Errorf("%s/%s: decode: %w", c.name, r.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}
