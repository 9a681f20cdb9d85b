package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/jenkins-dump/internal/api"
	"github.com/JakeFAU/jenkins-dump/internal/config"
	"github.com/JakeFAU/jenkins-dump/internal/crawler"
	"github.com/JakeFAU/jenkins-dump/internal/storage"
	"github.com/JakeFAU/jenkins-dump/internal/storage/local"
	"github.com/JakeFAU/jenkins-dump/internal/store"
	"github.com/JakeFAU/jenkins-dump/internal/worker"
)

// Dump resources.
const (
	resourceJobs   = "jobs"
	resourceBuilds = "builds"
	resourceViews  = "views"
)

const (
	jobsSnapshotKey = "jobs.json"
	summaryKey      = "dump_summary.json"
)

var resources = []string{resourceJobs, resourceBuilds, resourceViews}

// newDumpCmd creates the 'dump' subcommand.
func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <jobs|builds|views> <jenkins-url>",
		Short: "Dump jobs or builds from a Jenkins server",
		Long: `Dump walks the job tree of the Jenkins server at <jenkins-url>.

  jobs    write the job tree to {output}/jobs.json
  builds  dump every build's build_info.json, consoleText and
          injectedEnvVars.json under {output}/{build path}/
  views   not implemented

With --jobs the builds are taken from an existing jobs.json instead of a
live crawl.`,
		Example: `  jenkins-dump dump jobs https://ci.example.org -u admin -p $TOKEN
  jenkins-dump dump builds https://ci.example.org -l -o ./dumps
  jenkins-dump dump builds https://ci.example.org -j ./dumps/jobs.json -r`,
		Args:        validateDumpArgs,
		Annotations: map[string]string{annotationURLArg: "1"},
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, appInstance.Close())
			}()
			return runDump(cmd.Context(), appInstance, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringP("username", "u", "", "Jenkins user name")
	flags.StringP("password", "p", "", "Jenkins password or API token")
	flags.BoolP("recover", "r", false, "skip builds whose build_info.json already exists")
	flags.StringP("output", "o", "dumps", "output directory")
	flags.BoolP("last", "l", false, "only dump the last successful (or completed, or stable) build of each job")
	flags.StringP("jobs", "j", "", "read jobs from this jobs.json instead of crawling")

	return cmd
}

func validateDumpArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(2)(cmd, args); err != nil {
		return err
	}
	switch args[0] {
	case resourceJobs, resourceBuilds:
		return nil
	case resourceViews:
		return crawler.ErrViewsNotImplemented
	default:
		return fmt.Errorf("unknown resource %q, want one of %v", args[0], resources)
	}
}

// runSummary is written to dump_summary.json after a builds run.
type runSummary struct {
	RunID      string              `json:"run_id"`
	JenkinsURL string              `json:"jenkins_url"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	JobsSource string              `json:"jobs_source"`
	Jobs       crawler.JobProgress `json:"jobs"`
	Builds     worker.Summary      `json:"builds"`
}

// dumpRun carries the state of one dump invocation.
type dumpRun struct {
	app      App
	cfg      config.Config
	logger   *zap.Logger
	resource string
	run      store.Run

	jobs   atomic.Pointer[crawler.JobCrawler]
	dumper atomic.Pointer[worker.Dumper]
}

func runDump(ctx context.Context, appInstance App, resource string) error {
	runID, err := appInstance.IDs().NewID()
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	r := &dumpRun{
		app:      appInstance,
		cfg:      cfg,
		logger:   appInstance.Logger().With(zap.String("run_id", runID), zap.String("resource", resource)),
		resource: resource,
		run: store.Run{
			ID:         runID,
			Resource:   resource,
			JenkinsURL: cfg.Jenkins.URL,
			Phase:      store.PhaseJobs,
			StartedAt:  appInstance.Clock().Now(),
		},
	}
	if err := appInstance.Runs().CreateRun(ctx, r.run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	appInstance.Server().SetProgress(r.progress)
	if err := appInstance.ServeStatus(ctx); err != nil {
		return err
	}

	r.logger.Info("dump started", zap.String("jenkins_url", cfg.Jenkins.URL))
	runErr := r.execute(ctx)
	return multierr.Append(runErr, r.finish(ctx, runErr))
}

func (r *dumpRun) execute(ctx context.Context) error {
	switch r.resource {
	case resourceJobs:
		_, err := r.crawlAndSave(ctx)
		return err
	case resourceBuilds:
		return r.dumpBuilds(ctx)
	default:
		return crawler.ErrViewsNotImplemented
	}
}

func (r *dumpRun) crawlAndSave(ctx context.Context) (crawler.Document, error) {
	jc := crawler.NewJobCrawler(r.app.Fetcher(), crawler.JobCrawlerConfig{
		Policy:      r.cfg.Policy(),
		Concurrency: r.cfg.Crawl.JobConcurrency,
	}, r.logger.Named("jobs"))
	r.jobs.Store(jc)

	doc, err := jc.Crawl(ctx)
	if err != nil {
		return nil, fmt.Errorf("crawl jobs: %w", err)
	}
	uri, err := store.SaveSnapshot(ctx, r.app.Blobs(), jobsSnapshotKey, doc)
	if err != nil {
		return nil, err
	}
	r.logger.Info("jobs snapshot written", zap.String("uri", uri), zap.Int("root_jobs", len(doc)))
	return doc, nil
}

func (r *dumpRun) loadJobs(ctx context.Context) (crawler.Document, error) {
	if r.cfg.Output.JobsFile == "" {
		return r.crawlAndSave(ctx)
	}
	path, err := filepath.Abs(r.cfg.Output.JobsFile)
	if err != nil {
		return nil, fmt.Errorf("resolve jobs file: %w", err)
	}
	doc, err := store.LoadSnapshot(ctx, local.FileReader{}, path)
	if err != nil {
		return nil, err
	}
	r.logger.Info("jobs snapshot loaded", zap.String("path", path), zap.Int("root_jobs", len(doc)))
	return doc, nil
}

func (r *dumpRun) dumpBuilds(ctx context.Context) error {
	doc, err := r.loadJobs(ctx)
	if err != nil {
		return err
	}
	buildURLs := crawler.CollectBuildURLs(doc)
	if len(buildURLs) == 0 {
		return crawler.ErrNoBuilds
	}
	r.logger.Info("build urls collected", zap.Int("builds", len(buildURLs)))
	r.updatePhase(ctx, store.PhaseBuilds)

	d := worker.New(r.app.Fetcher(), r.app.Blobs(), r.app.Publisher(), r.app.Clock(), worker.Config{
		Concurrency: r.cfg.Crawl.BuildConcurrency,
		FailFast:    r.cfg.Crawl.FailFast,
		Recover:     r.cfg.Crawl.Recover,
		Topic:       r.cfg.PubSub.TopicName,
		RunID:       r.run.ID,
	}, r.logger.Named("builds"))
	r.dumper.Store(d)

	summary, batchErr := d.DumpAll(ctx, buildURLs)
	// The summary is written even when the run was interrupted.
	if err := r.writeSummary(context.WithoutCancel(ctx), summary); err != nil {
		batchErr = multierr.Append(batchErr, err)
	}
	if batchErr != nil {
		return batchErr
	}
	if err := summary.Err(); err != nil {
		return fmt.Errorf("%d of %d builds failed: %w", summary.Failed, summary.Total, err)
	}
	return nil
}

func (r *dumpRun) writeSummary(ctx context.Context, summary worker.Summary) error {
	source := "crawl"
	if r.cfg.Output.JobsFile != "" {
		source = r.cfg.Output.JobsFile
	}
	doc := runSummary{
		RunID:      r.run.ID,
		JenkinsURL: r.run.JenkinsURL,
		StartedAt:  r.run.StartedAt,
		FinishedAt: r.app.Clock().Now(),
		JobsSource: source,
		Builds:     summary,
	}
	if jc := r.jobs.Load(); jc != nil {
		doc.Jobs = jc.Progress()
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run summary: %w", err)
	}
	uri, err := r.app.Blobs().PutObject(ctx, summaryKey, storage.ContentTypeJSON, bytes.NewReader(append(data, '\n')))
	if err != nil {
		return fmt.Errorf("write run summary: %w", err)
	}
	r.logger.Info("run summary written", zap.String("uri", uri))
	return nil
}

// progress samples whichever phases have started.
func (r *dumpRun) progress() api.Progress {
	var p api.Progress
	if jc := r.jobs.Load(); jc != nil {
		jp := jc.Progress()
		p.Jobs = &jp
	}
	if d := r.dumper.Load(); d != nil {
		st := d.Status()
		p.Builds = &st
	}
	return p
}

func (r *dumpRun) counters() store.RunCounters {
	var c store.RunCounters
	p := r.progress()
	if p.Jobs != nil {
		c.JobsResolved = p.Jobs.Resolved
		c.JobsFailed = p.Jobs.Failed
		c.JobsSkipped = p.Jobs.Skipped
	}
	if p.Builds != nil {
		c.BuildsTotal = p.Builds.Total
		c.BuildsSucceeded = p.Builds.Succeeded
		c.BuildsFailed = p.Builds.Failed
		c.BuildsSkipped = p.Builds.Skipped
	}
	return c
}

func (r *dumpRun) updatePhase(ctx context.Context, phase store.Phase) {
	err := r.app.Runs().UpdateRun(ctx, r.run.ID, store.RunUpdate{Phase: phase, Counters: r.counters()})
	if err != nil {
		r.logger.Warn("run update failed", zap.Error(err))
	}
}

// finish records the terminal state of the run. The record is written with
// a fresh context so a canceled run is still marked failed.
func (r *dumpRun) finish(ctx context.Context, runErr error) error {
	update := store.RunUpdate{
		Status:   store.RunSucceeded,
		Phase:    store.PhaseDone,
		Counters: r.counters(),
	}
	if runErr != nil {
		update.Status = store.RunFailed
		update.ErrorText = runErr.Error()
	}
	if err := r.app.Runs().UpdateRun(context.WithoutCancel(ctx), r.run.ID, update); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	fields := []zap.Field{
		zap.Duration("elapsed", r.app.Clock().Since(r.run.StartedAt)),
		zap.Int64("jobs_resolved", update.Counters.JobsResolved),
		zap.Int64("builds_succeeded", update.Counters.BuildsSucceeded),
		zap.Int64("builds_failed", update.Counters.BuildsFailed),
		zap.Int64("builds_skipped", update.Counters.BuildsSkipped),
	}
	if runErr != nil {
		r.logger.Error("dump failed", append(fields, zap.Error(runErr))...)
		return nil
	}
	r.logger.Info("dump finished", fields...)
	return nil
}
