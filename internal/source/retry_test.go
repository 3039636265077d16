package source

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatmatch/internal/model"
)

type funcSource struct {
	calls atomic.Int32
	fn    func(call int) (*Page, error)
}

func (f *funcSource) FetchPage(ctx context.Context, indices []string, q Query, cursor Cursor) (*Page, error) {
	return f.fn(int(f.calls.Add(1)))
}

func fastRetry(n uint64) RetryConfig {
	return RetryConfig{MaxRetries: n, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetryingRecoversFromUnavailable(t *testing.T) {
	inner := &funcSource{fn: func(call int) (*Page, error) {
		if call < 3 {
			return nil, fmt.Errorf("%w: status 503", ErrSourceUnavailable)
		}
		return &Page{Documents: []model.Document{{ID: "a"}}}, nil
	}}
	var notified int
	src := NewRetrying(inner, fastRetry(5), func(err error, _ time.Duration) {
		assert.ErrorIs(t, err, ErrSourceUnavailable)
		notified++
	})

	page, err := src.FetchPage(context.Background(), []string{"x"}, Query{}, nil)
	require.NoError(t, err)
	assert.Len(t, page.Documents, 1)
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, 2, notified)
}

func TestRetryingGivesUp(t *testing.T) {
	inner := &funcSource{fn: func(int) (*Page, error) {
		return nil, fmt.Errorf("%w: connection refused", ErrSourceUnavailable)
	}}
	src := NewRetrying(inner, fastRetry(2), nil)

	_, err := src.FetchPage(context.Background(), []string{"x"}, Query{}, nil)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestRetryingDoesNotRetryQueryErrors(t *testing.T) {
	inner := &funcSource{fn: func(int) (*Page, error) {
		return nil, &PageError{Resume: Cursor{10}, Err: fmt.Errorf("%w: status 400", ErrQuery)}
	}}
	src := NewRetrying(inner, fastRetry(5), nil)

	_, err := src.FetchPage(context.Background(), []string{"x"}, Query{}, nil)
	assert.ErrorIs(t, err, ErrQuery)
	resume, ok := ResumeCursor(err)
	assert.True(t, ok, "page error survives the retry wrapper")
	assert.Equal(t, Cursor{10}, resume)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRetryingStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inner := &funcSource{fn: func(call int) (*Page, error) {
		cancel()
		return nil, ErrSourceUnavailable
	}}
	src := NewRetrying(inner, RetryConfig{MaxRetries: 10, InitialInterval: time.Second, MaxInterval: time.Second}, nil)

	start := time.Now()
	_, err := src.FetchPage(ctx, []string{"x"}, Query{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, ErrSourceUnavailable))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, int32(1), inner.calls.Load())
}
