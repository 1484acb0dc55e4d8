package ctxattr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestContextWith(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Equal(t, 0, Attributes(ctx).Len())
	assert.Equal(t, ctx, ContextWith(ctx))

	ctx = ContextWith(ctx, attribute.String("target", "project:42"), attribute.Int("attempts", 1))
	ctx = ContextWith(ctx, attribute.Int("attempts", 2))

	set := Attributes(ctx)
	assert.Equal(t, 2, set.Len())

	value, ok := set.Value("target")
	require.True(t, ok)
	assert.Equal(t, "project:42", value.Emit())

	value, ok = set.Value("attempts")
	require.True(t, ok)
	assert.Equal(t, int64(2), value.AsInt64())
}
