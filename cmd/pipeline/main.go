// Command pipeline runs the fixed processing DAG (spec.md §4.8) for one
// collection.
package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ngwpc/ripple-pipeline-go/internal/collection"
	"github.com/ngwpc/ripple-pipeline-go/internal/config"
	"github.com/ngwpc/ripple-pipeline-go/internal/emit"
	"github.com/ngwpc/ripple-pipeline-go/internal/jobclient"
	"github.com/ngwpc/ripple-pipeline-go/internal/metrics"
	"github.com/ngwpc/ripple-pipeline-go/internal/model"
	"github.com/ngwpc/ripple-pipeline-go/internal/pipeline"
	"github.com/ngwpc/ripple-pipeline-go/internal/report"
	"github.com/ngwpc/ripple-pipeline-go/internal/store"
)

type runOptions struct {
	collectionID string
	configPath   string
	envPath      string
	reachesPath  string
	toolVersion  string
	jsonLogs     bool
}

type reportOptions struct {
	collectionID  string
	configPath    string
	envPath       string
	skipReconcile bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:           "pipeline --collection ID",
		Short:         "Run the ripple1d processing DAG for one collection",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.SortFlags = false
	f.StringVar(&opts.collectionID, "collection", "", "Collection id to process.")
	_ = cmd.MarkFlagRequired("collection")
	f.StringVar(&opts.configPath, "config", "config.yaml", "Path to the pipeline YAML configuration.")
	f.StringVar(&opts.envPath, "env", ".env", "Path to the dotenv file holding service endpoints and credentials.")
	f.StringVar(&opts.reachesPath, "reaches", "", "Path to a (reach_id,nwm_to_id) CSV seeding this collection's network, if not already seeded.")
	f.StringVar(&opts.toolVersion, "tool-version", "dev", "Tool version string recorded in the collection's metadata row.")
	f.BoolVar(&opts.jsonLogs, "json-logs", false, "Emit structured JSON log lines instead of human-readable text.")

	cmd.AddCommand(newReportCmd())
	return cmd
}

func newReportCmd() *cobra.Command {
	opts := reportOptions{}

	cmd := &cobra.Command{
		Use:           "report --collection ID",
		Short:         "Reconcile in-flight jobs and write the failed/timed-out jobs workbooks",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReport(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.SortFlags = false
	f.StringVar(&opts.collectionID, "collection", "", "Collection id to report on.")
	_ = cmd.MarkFlagRequired("collection")
	f.StringVar(&opts.configPath, "config", "config.yaml", "Path to the pipeline YAML configuration.")
	f.StringVar(&opts.envPath, "env", ".env", "Path to the dotenv file holding service endpoints and credentials.")
	f.BoolVar(&opts.skipReconcile, "skip-reconcile", false, "Skip the reconciliation poll before generating reports.")

	return cmd
}

func runPipeline(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	env, err := config.LoadEnv(opts.envPath)
	if err != nil {
		return err
	}

	coll := collection.New(opts.collectionID, cfg, env)
	if err := coll.CreateFolders(); err != nil {
		return err
	}

	st, err := store.NewSQLiteStore(coll.DBPath(), int(cfg.Database.ConnTimeout.Milliseconds()))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if opts.reachesPath != "" {
		reaches, err := readReachesCSV(opts.reachesPath)
		if err != nil {
			return err
		}
		if err := st.SeedReaches(ctx, reaches); err != nil {
			return err
		}
	}

	if err := st.Init(ctx, opts.collectionID, opts.toolVersion,
		cfg.RippleSettings.USDepthIncrement, cfg.RippleSettings.DSDepthIncrement, cfg.StageNames()); err != nil {
		return err
	}

	emitter := emit.NewLogEmitter(os.Stdout, opts.jsonLogs)
	registry := prometheus.NewRegistry()
	jc := jobclient.NewClient(env.Ripple1DAPIURL, cfg.Polling.DefaultPollWait, cfg.Polling.RetryWait)

	// Reconcile-and-report always runs on the way out, success or
	// failure, so the failed/timed-out workbooks reflect this run even
	// when a stage errors out partway through (spec.md §6, §7: reporting
	// is a defer-based finally equivalent that never changes the
	// returned error).
	defer func() {
		if err := writeReports(ctx, cfg, st, jc, coll, false); err != nil {
			fmt.Fprintln(os.Stderr, "writing reports:", err)
		}
	}()

	deps := &pipeline.Deps{
		Cfg:       cfg,
		Coll:      coll,
		Store:     st,
		JobClient: jc,
		Emitter:   emitter,
		Metrics:   metrics.New(registry),
		Models:    collection.DiskModelSource{SourceModelsDir: coll.SourceModelsDir()},
	}

	return deps.Run(ctx)
}

// runReport reconciles any jobs still outstanding against the remote
// service, then writes the failed-jobs and timed-out-jobs workbooks for
// the collection (spec.md §4.10).
func runReport(ctx context.Context, opts reportOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	env, err := config.LoadEnv(opts.envPath)
	if err != nil {
		return err
	}

	coll := collection.New(opts.collectionID, cfg, env)

	st, err := store.NewSQLiteStore(coll.DBPath(), int(cfg.Database.ConnTimeout.Milliseconds()))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	jc := jobclient.NewClient(env.Ripple1DAPIURL, cfg.Polling.DefaultPollWait, cfg.Polling.RetryWait)
	return writeReports(ctx, cfg, st, jc, coll, opts.skipReconcile)
}

// writeReports reconciles any jobs still outstanding against the remote
// service (unless skipReconcile), then writes the failed-jobs and
// timed-out-jobs workbooks for the collection (spec.md §4.10).
func writeReports(ctx context.Context, cfg *config.Config, st store.Store, jc *jobclient.Client, coll *collection.Context, skipReconcile bool) error {
	if !skipReconcile {
		for stage, step := range cfg.ProcessingSteps {
			table := "processing"
			if step.Domain == "model" {
				table = "models"
			}
			if err := jc.Reconcile(ctx, st, table, stage); err != nil {
				return fmt.Errorf("reconciling stage %s: %w", stage, err)
			}
		}
	}

	if err := report.WriteFailedJobsReport(ctx, cfg, st, jc, coll.FailedJobsReportPath()); err != nil {
		return err
	}
	return report.WriteTimedOutJobsReport(ctx, cfg, st, jc, coll.TimedOutJobsReportPath())
}

// readReachesCSV reads a (reach_id,nwm_to_id) CSV — a stand-in for the
// NWM flowline filtering step, which is out of scope (spec.md §1
// Non-goals). An empty nwm_to_id field means the reach is an outlet.
func readReachesCSV(path string) ([]model.Reach, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening reaches file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	var reaches []model.Reach
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading reaches file %s: %w", path, err)
		}
		if len(record) < 2 {
			continue
		}
		reach := model.Reach{ID: record[0]}
		if record[1] != "" {
			toID := record[1]
			reach.ToID = &toID
		}
		reaches = append(reaches, reach)
	}
	return reaches, nil
}
