package testutil_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coder/lazyshared/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

func TestStampede(t *testing.T) {
	t.Parallel()

	t.Run("ResultsInOrder", func(t *testing.T) {
		t.Parallel()
		results := testutil.Stampede(t, 20, func(i int) int {
			return i * 2
		})
		require.Len(t, results, 20)
		for i, r := range results {
			require.Equal(t, i*2, r)
		}
	})

	t.Run("AllRunBeforeReturn", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int64
		_ = testutil.Stampede(t, 50, func(int) struct{} {
			calls.Add(1)
			return struct{}{}
		})
		require.EqualValues(t, 50, calls.Load())
	})
}
