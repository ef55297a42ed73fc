package interceptors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func accept(ok bool) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, inv Invocation) (bool, error) {
		return ok, nil
	})
}

func TestFilteringInterceptor(t *testing.T) {
	t.Run("accepted invocation reaches the handler", func(t *testing.T) {
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, mock.Anything).Return("ok", nil)
		interceptor := NewFilteringInterceptor(accept(true), quietLogger())

		resp, err := interceptor.Intercept(context.Background(), eventInvocation(), handler)

		require.NoError(t, err)
		assert.Equal(t, "ok", resp)
		handler.AssertNumberOfCalls(t, "Handle", 1)
	})

	t.Run("rejected event is skipped without error", func(t *testing.T) {
		handler := &mockHandler{}
		interceptor := NewFilteringInterceptor(accept(false), quietLogger())

		resp, err := interceptor.Intercept(context.Background(), eventInvocation(), handler)

		assert.NoError(t, err)
		assert.Nil(t, resp)
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})

	t.Run("rejected rpc request fails", func(t *testing.T) {
		handler := &mockHandler{}
		interceptor := NewFilteringInterceptor(accept(false), quietLogger())

		_, err := interceptor.Intercept(context.Background(), rpcInvocation(t), handler)

		assert.ErrorIs(t, err, ErrMessageFiltered)
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})

	t.Run("filter errors are returned", func(t *testing.T) {
		broken := MessageFilterFunc(func(ctx context.Context, inv Invocation) (bool, error) {
			return false, errors.New("lookup failed")
		})
		interceptor := NewFilteringInterceptor(broken, nil)

		_, err := interceptor.Intercept(context.Background(), eventInvocation(), &mockHandler{})

		assert.ErrorContains(t, err, "filter error: lookup failed")
		assert.Equal(t, "FilteringInterceptor", interceptor.Name())
	})
}

func TestFilters(t *testing.T) {
	ctx := context.Background()

	t.Run("composite requires all", func(t *testing.T) {
		ok, err := NewCompositeFilter(accept(true), accept(true)).ShouldProcess(ctx, eventInvocation())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = NewCompositeFilter(accept(true), accept(false)).ShouldProcess(ctx, eventInvocation())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("or requires one", func(t *testing.T) {
		ok, err := NewOrFilter(accept(false), accept(true)).ShouldProcess(ctx, eventInvocation())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = NewOrFilter(accept(false)).ShouldProcess(ctx, eventInvocation())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("skip redelivered", func(t *testing.T) {
		inv := eventInvocation()
		ok, _ := SkipRedelivered().ShouldProcess(ctx, inv)
		assert.True(t, ok)

		inv.Delivery.Redelivered = true
		ok, _ = SkipRedelivered().ShouldProcess(ctx, inv)
		assert.False(t, ok)
	})

	t.Run("headers", func(t *testing.T) {
		inv := eventInvocation()
		ok, _ := RequireHeader("x-tenant").ShouldProcess(ctx, inv)
		assert.False(t, ok)

		inv.Delivery.Headers = map[string]interface{}{"x-tenant": "acme", "x-count": int32(3)}
		ok, _ = RequireHeader("x-tenant").ShouldProcess(ctx, inv)
		assert.True(t, ok)

		ok, _ = HeaderEquals("x-tenant", "acme").ShouldProcess(ctx, inv)
		assert.True(t, ok)
		ok, _ = HeaderEquals("x-tenant", "other").ShouldProcess(ctx, inv)
		assert.False(t, ok)
		ok, _ = HeaderEquals("x-count", "3").ShouldProcess(ctx, inv)
		assert.False(t, ok)
	})
}
