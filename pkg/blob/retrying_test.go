package blob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
	"github.com/hashicorp-forge/pagekeeper/pkg/retry"
)

// flakyStore fails the first failures calls to Get.
type flakyStore struct {
	Store
	failures int
	calls    int
}

func (f *flakyStore) Get(ctx context.Context, locator string) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset by peer")
	}
	return f.Store.Get(ctx, locator)
}

func testRetryConfig() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestRetrying_RecoversFromTransientFailures(t *testing.T) {
	ctx := context.Background()
	mem := NewMemFS(nil)
	locator, err := mem.Put(ctx, []byte("data"))
	require.NoError(t, err)

	flaky := &flakyStore{Store: mem, failures: 2}
	store := WithRetry(flaky, testRetryConfig(), nil)

	data, err := store.Get(ctx, locator)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	assert.Equal(t, 3, flaky.calls)
}

func TestRetrying_ExhaustionIsDependencyError(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: NewMemFS(nil), failures: 10}
	store := WithRetry(flaky, testRetryConfig(), nil)

	_, err := store.Get(ctx, "file:ab/abc.pdf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pageset.ErrDependency))
	assert.Equal(t, 3, flaky.calls)
}

func TestRetrying_MissingBlobIsNotFound(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: NewMemFS(nil)}
	store := WithRetry(flaky, testRetryConfig(), nil)

	_, err := store.Get(ctx, "file:ab/missing.pdf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pageset.ErrNotFound))
	assert.Equal(t, 1, flaky.calls)
}
