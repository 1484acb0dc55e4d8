// Package ctxattr stores log attributes in a context, so they don't have to be passed through all calls.
package ctxattr

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

type ctxKey string

const attributesKey = ctxKey("attributes")

// ContextWith returns a child context with the attributes merged to attributes of the parent.
// If a key is already present, the new value wins.
func ContextWith(ctx context.Context, attrs ...attribute.KeyValue) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	all := append(Attributes(ctx).ToSlice(), attrs...)
	set := attribute.NewSet(all...)
	return context.WithValue(ctx, attributesKey, &set)
}

// Attributes returns all attributes from the context, the set is empty if there are none.
func Attributes(ctx context.Context) *attribute.Set {
	if set, ok := ctx.Value(attributesKey).(*attribute.Set); ok {
		return set
	}
	return attribute.EmptySet()
}
