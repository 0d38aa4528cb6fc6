package buildinfo

import (
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/mod/semver"

	"github.com/coder/lazyshared/lazy"
)

const repo = "https://github.com/coder/lazyshared"

var (
	buildInfo = lazy.New(func() *debug.BuildInfo {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return nil
		}
		return info
	})

	version = lazy.New(func() string {
		revision, valid := revision()
		if valid {
			revision = "+" + shortRevision(revision)
		}
		if tag == "" {
			return "v0.0.0-devel" + revision
		}
		v := "v" + tag
		if semver.Build(v) == "" {
			v += revision
		}
		return v
	})

	externalURL = lazy.New(func() string {
		revision, valid := revision()
		if !valid {
			return repo
		}
		return fmt.Sprintf("%s/commit/%s", repo, revision)
	})

	// Injected with ldflags at build!
	tag string
)

// Version returns the semantic version of the build.
// Use golang.org/x/mod/semver to compare versions.
func Version() string {
	return version.Load()
}

// ExternalURL returns a URL referencing the current version.
// For production builds, this will link directly to a release.
// For development builds, this will link to a commit.
func ExternalURL() string {
	return externalURL.Load()
}

// Time returns when the Git revision was published.
func Time() (time.Time, bool) {
	value, valid := find("vcs.time")
	if !valid {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// revision returns the Git hash of the build.
func revision() (string, bool) {
	return find("vcs.revision")
}

func shortRevision(revision string) string {
	if len(revision) > 7 {
		return revision[:7]
	}
	return revision
}

func find(key string) (string, bool) {
	info := buildInfo.Load()
	if info == nil {
		return "", false
	}
	for _, setting := range info.Settings {
		if setting.Key != key {
			continue
		}
		return setting.Value, true
	}
	return "", false
}
