package cli_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coder/quartz"

	"github.com/coder/lazyshared/cli"
	"github.com/coder/lazyshared/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

func runStress(t *testing.T, args ...string) (cli.StressReport, error) {
	t.Helper()
	ctx := testutil.Context(t, testutil.WaitShort)

	var root cli.RootCmd
	var stdout bytes.Buffer
	inv := root.Command().Invoke(append([]string{"stress", "--output", "json"}, args...)...)
	inv.Stdout = &stdout
	err := inv.WithContext(ctx).Run()

	var report cli.StressReport
	if stdout.Len() > 0 {
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	}
	return report, err
}

func TestStress(t *testing.T) {
	t.Parallel()

	t.Run("Lazy", func(t *testing.T) {
		t.Parallel()
		report, err := runStress(t, "--goroutines", "50", "--rounds", "3")
		require.NoError(t, err)
		require.True(t, report.OK)
		require.EqualValues(t, 1, report.Constructions)
		require.EqualValues(t, 1, report.SuccessfulConstructions)
		require.Equal(t, 1, report.DistinctValues)
		require.Equal(t, "filled", report.FinalState)
		require.Len(t, report.Rounds, 3)
		for _, rr := range report.Rounds {
			require.Equal(t, 50, rr.Loads)
			require.Equal(t, 50, rr.Successes)
			require.Equal(t, 1, rr.DistinctValues)
		}
	})

	t.Run("Eager", func(t *testing.T) {
		t.Parallel()
		report, err := runStress(t, "--eager", "--goroutines", "10")
		require.NoError(t, err)
		require.True(t, report.Eager)
		require.EqualValues(t, 1, report.Constructions)
		require.Equal(t, 10, report.Rounds[0].Successes)
	})

	t.Run("Poison", func(t *testing.T) {
		t.Parallel()
		report, err := runStress(t, "--fail-attempts", "1", "--rounds", "2", "--goroutines", "20")
		require.NoError(t, err)
		require.True(t, report.OK)
		require.EqualValues(t, 1, report.Constructions)
		require.EqualValues(t, 0, report.SuccessfulConstructions)
		require.Equal(t, "poisoned", report.FinalState)
		for _, rr := range report.Rounds {
			require.Equal(t, 20, rr.Failures)
		}
	})

	t.Run("Retry", func(t *testing.T) {
		t.Parallel()
		report, err := runStress(t, "--fail-attempts", "1", "--rounds", "2", "--goroutines", "20", "--policy", "retry")
		require.NoError(t, err)
		require.True(t, report.OK)
		require.EqualValues(t, 2, report.Constructions)
		require.EqualValues(t, 1, report.SuccessfulConstructions)
		// Stragglers in the first round may already start the second attempt.
		require.GreaterOrEqual(t, report.Rounds[0].Failures, 1)
		require.Equal(t, 20, report.Rounds[1].Successes)
		require.Equal(t, 1, report.DistinctValues)
		require.Equal(t, "filled", report.FinalState)
	})

	t.Run("ConstructDelay", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)

		mClock := quartz.NewMock(t)
		trap := mClock.Trap().NewTimer("stress", "construct")
		defer trap.Close()

		root := cli.RootCmd{Clock: mClock}
		var stdout bytes.Buffer
		inv := root.Command().Invoke("stress", "--output", "json", "--goroutines", "5", "--construct-delay", "1h")
		inv.Stdout = &stdout
		errC := make(chan error, 1)
		testutil.Go(t, func() {
			errC <- inv.WithContext(ctx).Run()
		})

		call := trap.MustWait(ctx)
		require.Equal(t, time.Hour, call.Duration)
		call.MustRelease(ctx)
		mClock.Advance(time.Hour).MustWait(ctx)

		require.NoError(t, testutil.RequireReceive(ctx, t, errC))
		var report cli.StressReport
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
		require.True(t, report.OK)
		require.EqualValues(t, 1, report.Constructions)
		require.Equal(t, 5, report.Rounds[0].Successes)
	})

	t.Run("BadPolicy", func(t *testing.T) {
		t.Parallel()
		_, err := runStress(t, "--policy", "sometimes")
		require.Error(t, err)
	})

	t.Run("Text", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)

		var root cli.RootCmd
		var stdout bytes.Buffer
		inv := root.Command().Invoke("stress", "--goroutines", "5", "--construct-delay", "0s")
		inv.Stdout = &stdout
		require.NoError(t, inv.WithContext(ctx).Run())
		require.Contains(t, stdout.String(), "ROUND")
		require.Contains(t, stdout.String(), "OK")
	})
}

func TestVersion(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	var root cli.RootCmd
	var stdout bytes.Buffer
	inv := root.Command().Invoke("version")
	inv.Stdout = &stdout
	require.NoError(t, inv.WithContext(ctx).Run())
	require.Contains(t, stdout.String(), "lazystress v")
}
