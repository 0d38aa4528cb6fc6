package lazy_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/coder/lazyshared/lazy"
	"github.com/coder/lazyshared/testutil"
)

func TestLazyWithErrorOK(t *testing.T) {
	t.Parallel()

	l := lazy.NewWithError(func() (int, error) {
		return 1, nil
	})

	i, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, 1, i)
}

func TestLazyWithErrorErr(t *testing.T) {
	t.Parallel()

	l := lazy.NewWithError(func() (int, error) {
		return 0, xerrors.New("oh no! everything that could went horribly wrong!")
	})

	i, err := l.Load()
	require.Error(t, err)
	require.Equal(t, 0, i)
}

func TestLazyWithErrorPointers(t *testing.T) {
	t.Parallel()

	a := 1
	l := lazy.NewWithError(func() (*int, error) {
		return &a, nil
	})

	b, err := l.Load()
	require.NoError(t, err)
	c, err := l.Load()
	require.NoError(t, err)

	*b += 1
	*c += 1
	require.Equal(t, 3, a)
}

func TestLazyWithErrorPoisons(t *testing.T) {
	t.Parallel()

	errBroken := xerrors.New("broken")
	var calls atomic.Int64
	l := lazy.NewWithError(func() (*record, error) {
		if calls.Add(1) == 1 {
			return nil, errBroken
		}
		return &record{ready: true}, nil
	})

	results := testutil.Stampede(t, 50, func(int) error {
		_, err := l.Load()
		return err
	})
	for _, err := range results {
		require.ErrorIs(t, err, errBroken)
	}

	// The failure sticks; the load function is never run again.
	_, err := l.Load()
	require.ErrorIs(t, err, errBroken)
	require.EqualValues(t, 1, calls.Load())
	require.True(t, l.Loaded())
}

func TestLazyWithErrorEager(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	l := lazy.NewEagerWithError(func() (int, error) {
		calls.Add(1)
		return 7, nil
	})
	require.EqualValues(t, 1, calls.Load())
	require.True(t, l.Loaded())

	i, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, 7, i)
	require.EqualValues(t, 1, calls.Load())
}
