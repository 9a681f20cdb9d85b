// Package worker dumps Jenkins builds onto a blob store.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/jenkins-dump/internal/crawler"
	"github.com/JakeFAU/jenkins-dump/internal/hash/sha256"
	"github.com/JakeFAU/jenkins-dump/internal/metrics"
	"github.com/JakeFAU/jenkins-dump/internal/storage"
)

const (
	defaultConcurrency = 20

	buildInfoFile  = "build_info.json"
	consoleFile    = "consoleText"
	envVarsFile    = "injectedEnvVars.json"
	consoleSuffix  = "consoleText"
	envVarsSuffix  = "injectedEnvVars/api/json"
	buildAPISuffix = "api/json"
)

// Config controls Dumper behavior.
type Config struct {
	// Concurrency caps the number of builds dumped at once.
	Concurrency int
	// FailFast stops admitting builds after the first hard failure and
	// returns that failure from DumpAll.
	FailFast bool
	// Recover skips builds whose build_info.json is already stored.
	Recover bool
	// Topic receives one notification per dumped build when non-empty.
	Topic string
	RunID string
}

// BuildFailure records why one build could not be dumped.
type BuildFailure struct {
	URL   string `json:"url"`
	Error string `json:"error"`

	err error
}

// Summary is the outcome of a DumpAll call.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// NotStarted counts builds never admitted because of fail-fast or
	// cancellation.
	NotStarted int            `json:"not_started"`
	Failures   []BuildFailure `json:"failures,omitempty"`
}

// Err combines every build failure into one error, or nil.
func (s Summary) Err() error {
	var err error
	for _, f := range s.Failures {
		err = multierr.Append(err, fmt.Errorf("%s: %w", f.URL, f.err))
	}
	return err
}

// Status is a live view of the dumper counters.
type Status struct {
	Total     int64 `json:"total"`
	InFlight  int64 `json:"in_flight"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// Notification is published for every dumped build.
type Notification struct {
	RunID     string   `json:"run_id"`
	BuildURL  string   `json:"build_url"`
	Path      string   `json:"path"`
	Artifacts []string `json:"artifacts"`
	// Checksums maps each artifact name to its SHA-256 hex digest.
	Checksums map[string]string `json:"checksums"`
	Timestamp string            `json:"timestamp"`
}

type outcomeKind int

const (
	outcomeNotStarted outcomeKind = iota
	outcomeSucceeded
	outcomeFailed
	outcomeSkipped
)

type buildOutcome struct {
	kind outcomeKind
	err  error
}

// Dumper fetches each build's metadata, console log and injected environment
// and persists them under the build URL's path.
type Dumper struct {
	fetcher   crawler.Fetcher
	blobs     storage.BlobStore
	publisher crawler.Publisher
	clock     crawler.Clock
	hasher    *sha256.Hasher
	cfg       Config
	logger    *zap.Logger

	total     atomic.Int64
	inFlight  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// New constructs a Dumper. publisher may be nil.
func New(
	fetcher crawler.Fetcher,
	blobs storage.BlobStore,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dumper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Dumper{
		fetcher:   fetcher,
		blobs:     blobs,
		publisher: publisher,
		clock:     clock,
		hasher:    sha256.New(),
		cfg:       cfg,
		logger:    logger,
	}
}

// Status reports the live counters.
func (d *Dumper) Status() Status {
	return Status{
		Total:     d.total.Load(),
		InFlight:  d.inFlight.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
		Skipped:   d.skipped.Load(),
	}
}

// DumpAll dumps every build URL with at most Config.Concurrency builds in
// flight. Builds already running are never interrupted.
//
// By default every outcome is recorded in the Summary and the returned error
// is nil unless ctx ended. With FailFast the first hard failure is returned
// and builds not yet admitted are left out.
func (d *Dumper) DumpAll(ctx context.Context, buildURLs []string) (Summary, error) {
	d.total.Add(int64(len(buildURLs)))
	outcomes := make([]buildOutcome, len(buildURLs))

	var (
		g       errgroup.Group
		aborted atomic.Bool
	)
	g.SetLimit(d.cfg.Concurrency)

	for i, buildURL := range buildURLs {
		if d.stopAdmitting(ctx, &aborted) {
			break
		}
		g.Go(func() error {
			if d.stopAdmitting(ctx, &aborted) {
				return nil
			}
			outcomes[i] = d.dump(ctx, buildURL)
			if outcomes[i].kind == outcomeFailed && d.cfg.FailFast {
				aborted.Store(true)
				return fmt.Errorf("dump build %s: %w", buildURL, outcomes[i].err)
			}
			return nil
		})
	}
	batchErr := g.Wait()

	summary := summarize(buildURLs, outcomes)
	d.logger.Info("build dump finished",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("not_started", summary.NotStarted),
	)
	if batchErr != nil {
		return summary, batchErr
	}
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("dump builds: %w", err)
	}
	return summary, nil
}

func (d *Dumper) stopAdmitting(ctx context.Context, aborted *atomic.Bool) bool {
	return ctx.Err() != nil || (d.cfg.FailFast && aborted.Load())
}

func summarize(buildURLs []string, outcomes []buildOutcome) Summary {
	summary := Summary{Total: len(buildURLs)}
	for i, o := range outcomes {
		switch o.kind {
		case outcomeSucceeded:
			summary.Succeeded++
		case outcomeSkipped:
			summary.Skipped++
		case outcomeFailed:
			summary.Failed++
			summary.Failures = append(summary.Failures, BuildFailure{
				URL:   buildURLs[i],
				Error: o.err.Error(),
				err:   o.err,
			})
		default:
			summary.NotStarted++
		}
	}
	return summary
}

func (d *Dumper) dump(ctx context.Context, buildURL string) buildOutcome {
	d.inFlight.Add(1)
	metrics.IncInflightBuilds()
	defer func() {
		d.inFlight.Add(-1)
		metrics.DecInflightBuilds()
	}()

	logger := d.logger.With(zap.String("build_url", buildURL))
	skipped, err := d.dumpBuild(ctx, buildURL, logger)
	switch {
	case err != nil:
		d.failed.Add(1)
		metrics.ObserveBuild("failed")
		logger.Error("build dump failed", zap.Error(err))
		return buildOutcome{kind: outcomeFailed, err: err}
	case skipped:
		d.skipped.Add(1)
		metrics.ObserveBuild("skipped")
		logger.Debug("build already dumped; skipping")
		return buildOutcome{kind: outcomeSkipped}
	default:
		d.succeeded.Add(1)
		metrics.ObserveBuild("succeeded")
		return buildOutcome{kind: outcomeSucceeded}
	}
}

// dumpBuild runs the per-build pipeline. Metadata problems are returned as
// errors; console and environment problems are only logged. build_info.json
// is written last so its presence marks a complete artifact set.
func (d *Dumper) dumpBuild(ctx context.Context, buildURL string, logger *zap.Logger) (bool, error) {
	dir, err := crawler.URLPath(buildURL)
	if err != nil {
		return false, fmt.Errorf("derive build directory: %w", err)
	}
	if dir == "" {
		return false, errors.New("build url has no path")
	}
	infoPath := path.Join(dir, buildInfoFile)

	if d.cfg.Recover {
		exists, err := d.blobs.Exists(ctx, infoPath)
		if err != nil {
			return false, fmt.Errorf("check %s: %w", infoPath, err)
		}
		if exists {
			return true, nil
		}
	}

	raw, err := d.fetcher.Fetch(ctx, crawler.JoinURL(buildURL, buildAPISuffix))
	if err != nil {
		return false, fmt.Errorf("fetch build info: %w", err)
	}
	info, err := indentJSON(raw)
	if err != nil {
		return false, fmt.Errorf("decode build info: %w", err)
	}

	written := newArtifactSet(d.hasher)
	if body := d.dumpConsole(ctx, buildURL, dir, logger); body != nil {
		written.add(consoleFile, body)
	}
	if body := d.dumpEnvVars(ctx, buildURL, dir, logger); body != nil {
		written.add(envVarsFile, body)
	}

	if _, err := d.blobs.PutObject(ctx, infoPath, storage.ContentTypeJSON, bytes.NewReader(info)); err != nil {
		metrics.ObserveArtifact(buildInfoFile, "failed")
		return false, fmt.Errorf("write %s: %w", infoPath, err)
	}
	metrics.ObserveArtifact(buildInfoFile, "written")
	written.add(buildInfoFile, info)

	d.notify(ctx, buildURL, dir, written, logger)
	logger.Debug("build dumped", zap.String("path", dir), zap.Strings("artifacts", written.names))
	return false, nil
}

// artifactSet lists written artifacts in write order with their digests.
type artifactSet struct {
	hasher    *sha256.Hasher
	names     []string
	checksums map[string]string
}

func newArtifactSet(hasher *sha256.Hasher) *artifactSet {
	return &artifactSet{
		hasher:    hasher,
		names:     make([]string, 0, 3),
		checksums: make(map[string]string, 3),
	}
}

func (a *artifactSet) add(name string, body []byte) {
	a.names = append(a.names, name)
	a.checksums[name] = a.hasher.Hash(body)
}

// dumpConsole returns the written console log, or nil when none was written.
func (d *Dumper) dumpConsole(ctx context.Context, buildURL, dir string, logger *zap.Logger) []byte {
	body, err := d.fetcher.Fetch(ctx, crawler.JoinURL(buildURL, consoleSuffix))
	if err != nil {
		metrics.ObserveArtifact(consoleFile, "unavailable")
		logger.Debug("console log unavailable", zap.Error(err))
		return nil
	}
	if len(body) == 0 {
		metrics.ObserveArtifact(consoleFile, "empty")
		return nil
	}
	target := path.Join(dir, consoleFile)
	if _, err := d.blobs.PutObject(ctx, target, storage.ContentTypeText, bytes.NewReader(body)); err != nil {
		metrics.ObserveArtifact(consoleFile, "failed")
		logger.Warn("console log not written", zap.String("path", target), zap.Error(err))
		return nil
	}
	metrics.ObserveArtifact(consoleFile, "written")
	return body
}

// dumpEnvVars returns the written environment document, or nil.
func (d *Dumper) dumpEnvVars(ctx context.Context, buildURL, dir string, logger *zap.Logger) []byte {
	body, err := d.fetcher.Fetch(ctx, crawler.JoinURL(buildURL, envVarsSuffix))
	if err != nil {
		metrics.ObserveArtifact(envVarsFile, "unavailable")
		logger.Debug("injected env vars unavailable", zap.Error(err))
		return nil
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil || decoded == nil {
		metrics.ObserveArtifact(envVarsFile, "empty")
		logger.Debug("injected env vars not usable", zap.Error(err))
		return nil
	}
	pretty, err := indentJSON(body)
	if err != nil {
		metrics.ObserveArtifact(envVarsFile, "empty")
		return nil
	}
	target := path.Join(dir, envVarsFile)
	if _, err := d.blobs.PutObject(ctx, target, storage.ContentTypeJSON, bytes.NewReader(pretty)); err != nil {
		metrics.ObserveArtifact(envVarsFile, "failed")
		logger.Warn("injected env vars not written", zap.String("path", target), zap.Error(err))
		return nil
	}
	metrics.ObserveArtifact(envVarsFile, "written")
	return pretty
}

func (d *Dumper) notify(ctx context.Context, buildURL, dir string, written *artifactSet, logger *zap.Logger) {
	if d.cfg.Topic == "" || d.publisher == nil {
		return
	}
	payload := Notification{
		RunID:     d.cfg.RunID,
		BuildURL:  buildURL,
		Path:      dir,
		Artifacts: written.names,
		Checksums: written.checksums,
		Timestamp: d.now().Format(time.RFC3339),
	}
	id, err := d.publisher.Publish(ctx, d.cfg.Topic, payload)
	if err != nil {
		logger.Warn("build notification failed", zap.String("topic", d.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("build notification published", zap.String("message_id", id))
}

func (d *Dumper) now() time.Time {
	if d.clock == nil {
		return time.Now().UTC()
	}
	return d.clock.Now()
}

// indentJSON validates raw and re-indents it with two spaces, keeping the
// server's key order.
func indentJSON(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
