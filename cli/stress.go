package cli

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/serpent"

	"github.com/coder/lazyshared/lazy"
)

const (
	stressCellName = "stress"

	outputFormatText = "text"
	outputFormatJSON = "json"
)

// StressReport is the result of a stress run. It is what --output json
// prints.
type StressReport struct {
	Goroutines int64  `json:"goroutines"`
	Policy     string `json:"policy"`
	Eager      bool   `json:"eager"`
	// Constructions counts constructor calls, failed ones included.
	Constructions int64 `json:"constructions"`
	// SuccessfulConstructions is read back from the cell's metrics.
	SuccessfulConstructions int64         `json:"successful_constructions"`
	DistinctValues          int           `json:"distinct_values"`
	FinalState              string        `json:"final_state"`
	Rounds                  []RoundReport `json:"rounds"`
	OK                      bool          `json:"ok"`
}

type RoundReport struct {
	Round          int    `json:"round"`
	Loads          int    `json:"loads"`
	Successes      int    `json:"successes"`
	Failures       int    `json:"failures"`
	DistinctValues int    `json:"distinct_values"`
	State          string `json:"state"`
}

type stressInstance struct {
	seq int64
}

type stressLoad struct {
	value *stressInstance
	err   error
}

func (r *RootCmd) stress() *serpent.Command {
	var (
		goroutines     int64
		rounds         int64
		constructDelay time.Duration
		failAttempts   int64
		policyName     string
		retryBackoff   time.Duration
		eager          bool
		outputFormat   string
	)
	cmd := &serpent.Command{
		Use:   "stress",
		Short: "Release a stampede of goroutines on one lazily constructed value",
		Long: "Each round starts --goroutines goroutines, holds them on a gate, then releases them at once " +
			"to load the same value. The run fails if the value was successfully constructed more than once " +
			"or if callers observed more than one instance.",
		Handler: func(inv *serpent.Invocation) error {
			ctx := inv.Context()
			logger := r.logger(inv).Named("stress")

			if goroutines < 1 {
				return xerrors.Errorf("--goroutines must be at least 1, got %d", goroutines)
			}
			if rounds < 1 {
				return xerrors.Errorf("--rounds must be at least 1, got %d", rounds)
			}
			policy, err := lazy.ParseFailurePolicy(policyName)
			if err != nil {
				return err
			}

			clock := r.clock()
			reg := prometheus.NewRegistry()
			var constructions atomic.Int64
			var rb backoff.BackOff
			if retryBackoff > 0 {
				rb = backoff.NewConstantBackOff(retryBackoff)
			}
			cell := lazy.NewCell(func(ctx context.Context) (*stressInstance, error) {
				n := constructions.Add(1)
				if constructDelay > 0 {
					timer := clock.NewTimer(constructDelay, "stress", "construct")
					defer timer.Stop()
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-timer.C:
					}
				}
				if n <= failAttempts {
					return nil, xerrors.Errorf("injected failure %d of %d", n, failAttempts)
				}
				return &stressInstance{seq: n}, nil
			}, lazy.CellOptions{
				Name:         stressCellName,
				Eager:        eager,
				Policy:       policy,
				RetryBackoff: rb,
				Logger:       logger,
				Clock:        clock,
				Metrics:      lazy.NewMetrics(reg),
			})

			report := StressReport{
				Goroutines: goroutines,
				Policy:     policy.String(),
				Eager:      eager,
			}
			seen := map[*stressInstance]struct{}{}
			for round := 1; round <= int(rounds); round++ {
				loads := stampede(ctx, cell, int(goroutines))
				rr := RoundReport{
					Round: round,
					Loads: len(loads),
				}
				distinct := map[*stressInstance]struct{}{}
				for _, l := range loads {
					if l.err != nil {
						rr.Failures++
						continue
					}
					rr.Successes++
					distinct[l.value] = struct{}{}
					seen[l.value] = struct{}{}
				}
				rr.DistinctValues = len(distinct)
				rr.State = cell.State().String()
				report.Rounds = append(report.Rounds, rr)
				logger.Debug(ctx, "round complete",
					slog.F("round", round),
					slog.F("successes", rr.Successes),
					slog.F("failures", rr.Failures),
					slog.F("state", rr.State),
				)
			}

			families, err := reg.Gather()
			if err != nil {
				return xerrors.Errorf("gather metrics: %w", err)
			}
			report.Constructions = constructions.Load()
			report.SuccessfulConstructions = int64(counterValue(families, "lazy_constructions_total", stressCellName, lazy.ResultSuccess))
			report.DistinctValues = len(seen)
			report.FinalState = cell.State().String()
			report.OK = report.SuccessfulConstructions <= 1 && report.DistinctValues <= 1

			switch outputFormat {
			case outputFormatJSON:
				enc := json.NewEncoder(inv.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return xerrors.Errorf("encode report: %w", err)
				}
			default:
				_, _ = fmt.Fprintln(inv.Stdout, renderStressReport(report))
			}

			if !report.OK {
				return xerrors.Errorf("value constructed %d times and observed as %d distinct instances",
					report.SuccessfulConstructions, report.DistinctValues)
			}
			return nil
		},
	}

	cmd.Options = serpent.OptionSet{
		{
			Flag:        "goroutines",
			Env:         "LAZYSTRESS_GOROUTINES",
			Description: "Number of goroutines released at once in each round.",
			Default:     "50",
			Value:       serpent.Int64Of(&goroutines),
		},
		{
			Flag:        "rounds",
			Env:         "LAZYSTRESS_ROUNDS",
			Description: "Number of stampedes to run against the same value.",
			Default:     "1",
			Value:       serpent.Int64Of(&rounds),
		},
		{
			Flag:        "construct-delay",
			Env:         "LAZYSTRESS_CONSTRUCT_DELAY",
			Description: "How long the constructor takes. Longer delays pile more callers up behind it.",
			Default:     "10ms",
			Value:       serpent.DurationOf(&constructDelay),
		},
		{
			Flag:        "fail-attempts",
			Env:         "LAZYSTRESS_FAIL_ATTEMPTS",
			Description: "Number of initial construction attempts that fail.",
			Default:     "0",
			Value:       serpent.Int64Of(&failAttempts),
		},
		{
			Flag:        "policy",
			Env:         "LAZYSTRESS_POLICY",
			Description: "What the value does after a failed construction.",
			Default:     lazy.PoisonPolicy.String(),
			Value:       serpent.EnumOf(&policyName, lazy.PoisonPolicy.String(), lazy.RetryPolicy.String()),
		},
		{
			Flag:        "retry-backoff",
			Env:         "LAZYSTRESS_RETRY_BACKOFF",
			Description: "Minimum time between attempts with --policy=retry. 0 retries on the next load.",
			Default:     "0s",
			Value:       serpent.DurationOf(&retryBackoff),
		},
		{
			Flag:        "eager",
			Env:         "LAZYSTRESS_EAGER",
			Description: "Construct the value before the first round instead of on first load.",
			Value:       serpent.BoolOf(&eager),
		},
		{
			Flag:          "output",
			FlagShorthand: "o",
			Env:           "LAZYSTRESS_OUTPUT",
			Description:   "Output format.",
			Default:       outputFormatText,
			Value:         serpent.EnumOf(&outputFormat, outputFormatText, outputFormatJSON),
		},
	}

	return cmd
}

// stampede holds n goroutines on a gate and releases them together onto the
// cell.
func stampede(ctx context.Context, cell *lazy.Cell[*stressInstance], n int) []stressLoad {
	gate := make(chan struct{})
	p := pool.NewWithResults[stressLoad]()
	for range n {
		p.Go(func() stressLoad {
			<-gate
			v, err := cell.Load(ctx)
			return stressLoad{value: v, err: err}
		})
	}
	close(gate)
	return p.Wait()
}

func renderStressReport(report StressReport) string {
	tableWriter := table.NewWriter()
	tableWriter.SetTitle(fmt.Sprintf("%d goroutines, policy %s, eager %t", report.Goroutines, report.Policy, report.Eager))
	tableWriter.SetStyle(table.StyleLight)
	tableWriter.Style().Options.SeparateColumns = false
	tableWriter.AppendHeader(table.Row{"Round", "Loads", "Successes", "Failures", "Distinct", "State"})
	for _, rr := range report.Rounds {
		tableWriter.AppendRow(table.Row{rr.Round, rr.Loads, rr.Successes, rr.Failures, rr.DistinctValues, rr.State})
	}
	verdict := "OK"
	if !report.OK {
		verdict = "VIOLATED"
	}
	tableWriter.AppendFooter(table.Row{
		"Total",
		fmt.Sprintf("constructions %d", report.Constructions),
		fmt.Sprintf("successful %d", report.SuccessfulConstructions),
		"",
		report.DistinctValues,
		verdict,
	})
	return tableWriter.Render()
}

// counterValue returns the counter with the given label values, or 0.
func counterValue(families []*dto.MetricFamily, name string, labels ...string) float64 {
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, m := range family.GetMetric() {
			if len(m.GetLabel()) != len(labels) {
				continue
			}
			for i, lv := range labels {
				if m.GetLabel()[i].GetValue() != lv {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}
