package cli

import (
	"fmt"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/quartz"
	"github.com/coder/serpent"

	"github.com/coder/lazyshared/buildinfo"
)

const varVerbose = "verbose"

type RootCmd struct {
	// Clock drives construction delays and cell timing. Defaults to the real
	// clock.
	Clock quartz.Clock

	verbose serpent.Bool
}

func (r *RootCmd) Command() *serpent.Command {
	cmd := &serpent.Command{
		Use:   "lazystress",
		Short: "Race goroutines against a lazily constructed value and check it was built exactly once",
		Handler: func(inv *serpent.Invocation) error {
			return inv.Command.HelpHandler(inv)
		},
		Children: []*serpent.Command{
			r.stress(),
			versionCmd(),
		},
	}

	cmd.Options = serpent.OptionSet{
		{
			Name:          varVerbose,
			Flag:          varVerbose,
			FlagShorthand: "v",
			Env:           "LAZYSTRESS_VERBOSE",
			Description:   "Enable verbose logging.",
			Value:         &r.verbose,
		},
	}

	return cmd
}

func (r *RootCmd) clock() quartz.Clock {
	if r.Clock == nil {
		return quartz.NewReal()
	}
	return r.Clock
}

// logger writes human-readable logs to stderr, at debug level with --verbose.
func (r *RootCmd) logger(inv *serpent.Invocation) slog.Logger {
	logger := slog.Make(sloghuman.Sink(inv.Stderr))
	if r.verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}
	return logger
}

func versionCmd() *serpent.Command {
	return &serpent.Command{
		Use:   "version",
		Short: "Show lazystress version",
		Handler: func(inv *serpent.Invocation) error {
			var str strings.Builder
			_, _ = str.WriteString("lazystress ")
			_, _ = str.WriteString(buildinfo.Version())
			buildTime, valid := buildinfo.Time()
			if valid {
				_, _ = str.WriteString(" " + buildTime.Format(time.UnixDate))
			}
			_, _ = str.WriteString("\n" + buildinfo.ExternalURL() + "\n")

			_, _ = fmt.Fprint(inv.Stdout, str.String())
			return nil
		},
	}
}
