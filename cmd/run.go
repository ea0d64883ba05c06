// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/config"
	"github.com/xkilldash9x/droidprobe/internal/llmclient"
	"github.com/xkilldash9x/droidprobe/internal/observability"
	"github.com/xkilldash9x/droidprobe/internal/reporting"
	"github.com/xkilldash9x/droidprobe/internal/runner"
	"github.com/xkilldash9x/droidprobe/internal/store"
	"github.com/xkilldash9x/droidprobe/internal/suite"
)

// runFlagBindings maps run command flags onto their viper keys so CLI flags
// override config-file and environment values with the right precedence.
var runFlagBindings = map[string]string{
	"suite":        "run.suite",
	"goal":         "run.goal",
	"package":      "run.package",
	"test-id":      "run.test_ids",
	"fresh":        "run.fresh",
	"output":       "run.output",
	"format":       "run.format",
	"serial":       "device.serials",
	"provider":     "llm.provider",
	"model":        "llm.powerful_model",
	"fast-model":   "llm.fast_model",
	"max-steps":    "session.max_steps",
	"database-url": "store.database_url",
}

// newRunCmd creates and configures the `run` command, the main entry point
// for executing QA tests.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs QA tests from a suite file or a single ad-hoc goal",
		Long: `Runs LLM-planned QA tests against one or more Android devices.

Tests come either from a YAML suite file (--suite) or from a single
natural-language goal (--goal). Each test drives a Plan-Act-Verify session
on its own device; artifacts land under the run directory.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			for flag, key := range runFlagBindings {
				if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: runTests,
	}

	flags := runCmd.Flags()
	flags.String("suite", "", "path to a YAML test suite file")
	flags.String("goal", "", "single natural-language test goal (alternative to --suite)")
	flags.String("package", "", "app package id under test (overrides the suite's app_package)")
	flags.StringSlice("test-id", nil, "run only the given suite test ids (repeatable)")
	flags.Bool("fresh", false, "force-stop the app and clear its data before each test")
	flags.StringSlice("serial", nil, "device serial to run on (repeatable for parallel runs)")
	flags.String("provider", "", "LLM provider: gemini or openai")
	flags.String("model", "", "planner model name")
	flags.String("fast-model", "", "verifier model name")
	flags.Int("max-steps", 0, "total-step ceiling per test session")
	flags.String("output", "", "write a rendered copy of the report to this path")
	flags.String("format", "", "output format for --output: json or text")

	flags.String("database-url", "", "PostgreSQL URL for run persistence (or DROIDPROBE_DATABASE_URL)")

	return runCmd
}

func runTests(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	// Re-unmarshal now that PreRunE bound the run flags, so flag overrides
	// land with the right precedence.
	cfg, err := config.NewConfigFromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to apply flag overrides: %w", err)
	}
	appConfig = cfg

	s, err := resolveSuite(cfg.Run)
	if err != nil {
		return err
	}
	if s.AppPackage == "" {
		logger.Warn("No app package configured; tests run against whatever is on screen")
	}

	components, err := initializeRunComponents(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize run components: %w", err)
	}
	defer components.Shutdown()

	report, err := components.Runner.Run(ctx, s, cfg.Run.TestIDs)
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), reporting.FormatText(report))

	if cfg.Run.OutputPath != "" {
		if err := writeReportCopy(report, cfg.Run.Format, cfg.Run.OutputPath); err != nil {
			return err
		}
		logger.Info("Report written", zap.String("path", cfg.Run.OutputPath))
	}

	if components.Store != nil {
		if err := persistReport(ctx, components.Store, report); err != nil {
			// Persistence is after-the-fact bookkeeping; the run already
			// produced its report and artifacts.
			logger.Warn("Failed to persist run to database", zap.Error(err))
		}
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("run aborted by signal")
	}
	summary := report.Summarize()
	if summary.Unexpected > 0 {
		return fmt.Errorf("%d of %d tests ended contrary to expectation", summary.Unexpected, summary.Total)
	}
	return nil
}

// resolveSuite turns the run configuration into the suite to execute: a
// loaded YAML file, or a synthesized single-test suite around --goal.
func resolveSuite(run config.RunConfig) (*suite.Suite, error) {
	switch {
	case run.SuitePath != "" && run.Goal != "":
		return nil, errors.New("--suite and --goal are mutually exclusive")
	case run.SuitePath == "" && run.Goal == "":
		return nil, errors.New("either --suite or --goal is required")
	case run.SuitePath != "":
		s, err := suite.Load(run.SuitePath)
		if err != nil {
			return nil, err
		}
		if run.Package != "" {
			s.AppPackage = run.Package
		}
		return s, nil
	default:
		if len(run.TestIDs) > 0 {
			return nil, errors.New("--test-id only applies to suite runs")
		}
		return adHocSuite(run.Goal, run.Package), nil
	}
}

// adHocSuite wraps a single --goal invocation in a one-test suite so the
// runner has exactly one execution path.
func adHocSuite(goal, pkg string) *suite.Suite {
	return &suite.Suite{
		AppPackage: pkg,
		Tests: []suite.TestCase{{
			ID:          "goal",
			Name:        "ad-hoc goal",
			Description: goal,
			ShouldPass:  true,
		}},
	}
}

// runComponents bundles everything the run command wires up, so teardown
// lives in one place.
type runComponents struct {
	LLM    schemas.LLMClient
	Pool   *pgxpool.Pool
	Store  *store.Store
	Runner *runner.Runner

	logger *zap.Logger
}

func initializeRunComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runComponents, error) {
	c := &runComponents{logger: logger}

	llm, err := llmclient.New(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("creating LLM client: %w", err)
	}
	c.LLM = llm

	if cfg.Store.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			c.Shutdown()
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		c.Pool = pool
		st, err := store.New(ctx, pool, logger)
		if err != nil {
			c.Shutdown()
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		c.Store = st
	}

	r, err := runner.New(logger, cfg, llm)
	if err != nil {
		c.Shutdown()
		return nil, err
	}
	c.Runner = r
	return c, nil
}

// Shutdown releases held resources. Safe on partially initialized components.
func (c *runComponents) Shutdown() {
	if c.LLM != nil {
		if err := c.LLM.Close(); err != nil {
			c.logger.Warn("Failed to close LLM client", zap.Error(err))
		}
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// persistReport bootstraps the schema and writes the run. Detached from the
// command context so a Ctrl-C that aborted the run does not also lose it.
func persistReport(ctx context.Context, st *store.Store, report *reporting.Report) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := st.EnsureSchema(persistCtx); err != nil {
		return err
	}
	return st.SaveReport(persistCtx, report)
}

// writeReportCopy renders the report once more at the requested path.
func writeReportCopy(report *reporting.Report, format, path string) error {
	rep, err := reporting.New(format, path)
	if err != nil {
		return err
	}
	defer rep.Close()
	return rep.Write(report)
}
