package buildinfo_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/mod/semver"

	"github.com/coder/lazyshared/buildinfo"
	"github.com/coder/lazyshared/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

func TestBuildInfo(t *testing.T) {
	t.Parallel()

	t.Run("Version", func(t *testing.T) {
		t.Parallel()
		version := buildinfo.Version()
		require.True(t, semver.IsValid(version), version)
		require.Equal(t, version, buildinfo.Version())
	})

	t.Run("ExternalURL", func(t *testing.T) {
		t.Parallel()
		require.Contains(t, buildinfo.ExternalURL(), "github.com/coder/lazyshared")
	})
}
