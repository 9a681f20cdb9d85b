// Package app initializes and holds long-lived services for one dump run,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/jenkins-dump/internal/api"
	"github.com/JakeFAU/jenkins-dump/internal/clock/system"
	"github.com/JakeFAU/jenkins-dump/internal/config"
	"github.com/JakeFAU/jenkins-dump/internal/crawler"
	collyfetcher "github.com/JakeFAU/jenkins-dump/internal/fetcher/colly"
	"github.com/JakeFAU/jenkins-dump/internal/id/uuid"
	"github.com/JakeFAU/jenkins-dump/internal/policy/ratelimit"
	"github.com/JakeFAU/jenkins-dump/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/jenkins-dump/internal/publisher/pubsub"
	"github.com/JakeFAU/jenkins-dump/internal/storage"
	gcsstore "github.com/JakeFAU/jenkins-dump/internal/storage/gcs"
	"github.com/JakeFAU/jenkins-dump/internal/storage/local"
	memstore "github.com/JakeFAU/jenkins-dump/internal/storage/memory"
	"github.com/JakeFAU/jenkins-dump/internal/store"
)

// Factories for cloud clients; tests point them at fakes.
var (
	newStorageClient = func(ctx context.Context, opts ...option.ClientOption) (*gcstorage.Client, error) {
		return gcstorage.NewClient(ctx, opts...)
	}
	newPubSubClient = func(ctx context.Context, projectID string, opts ...option.ClientOption) (*pubsub.Client, error) {
		return pubsub.NewClient(ctx, projectID, opts...)
	}
)

// Options tune NewApp beyond the loaded configuration.
type Options struct {
	// ClientOptions are passed to the GCS and Pub/Sub clients.
	ClientOptions []option.ClientOption
}

// App holds the shared services of a run.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	fetcher   crawler.Fetcher
	blobs     storage.BlobStore
	publisher crawler.Publisher
	runs      store.RunRepository
	clock     *system.Clock
	ids       *uuid.Generator
	server    *api.Server
	closers   []func() error
}

// NewApp wires every service named by cfg. Failures close whatever was
// already opened.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		runs:   memstore.NewRunStore(nil),
		clock:  system.New(),
		ids:    uuid.New(),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
		}
	}()

	if a.fetcher, err = newFetcher(cfg, logger); err != nil {
		return nil, err
	}
	if err = a.initStorage(ctx, opts); err != nil {
		return nil, err
	}
	if err = a.initPublisher(ctx, opts); err != nil {
		return nil, err
	}
	a.server = api.NewServer(a.runs, logger.Named("api"))
	return a, nil
}

func newFetcher(cfg config.Config, logger *zap.Logger) (crawler.Fetcher, error) {
	f, err := collyfetcher.New(collyfetcher.Config{
		BaseURL:   cfg.Jenkins.URL,
		Username:  cfg.Jenkins.Username,
		Password:  cfg.Jenkins.Password,
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.Timeout(),
		Insecure:  cfg.Jenkins.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("init fetcher: %w", err)
	}
	if cfg.HTTP.RateLimitRPS <= 0 {
		return f, nil
	}
	logger.Info("rate limiting Jenkins requests",
		zap.Float64("rps", cfg.HTTP.RateLimitRPS),
		zap.Int("burst", cfg.HTTP.RateLimitBurst),
	)
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RateLimitRPS,
		DefaultBurst: cfg.HTTP.RateLimitBurst,
	})
	return ratelimit.Wrap(f, limiter, cfg.Jenkins.URL), nil
}

func (a *App) initStorage(ctx context.Context, opts Options) error {
	switch a.cfg.Storage.Provider {
	case config.ProviderLocal:
		dir := a.cfg.Output.Dir
		if a.cfg.Storage.Prefix != "" {
			dir = filepath.Join(dir, a.cfg.Storage.Prefix)
		}
		blobs, err := local.New(local.Config{BaseDir: dir})
		if err != nil {
			return fmt.Errorf("init local storage: %w", err)
		}
		a.logger.Info("using local storage", zap.String("dir", blobs.BaseDir()))
		a.blobs = blobs
	case config.ProviderGCS:
		client, err := newStorageClient(ctx, opts.ClientOptions...)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		blobs, err := gcsstore.New(client, gcsstore.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("init gcs storage: %w", err)
		}
		a.logger.Info("using gcs storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		a.blobs = blobs
	case config.ProviderMemory:
		a.logger.Info("using in-memory storage; artifacts are discarded on exit")
		a.blobs = memstore.NewBlobStore()
	default:
		return fmt.Errorf("unknown storage provider: %s", a.cfg.Storage.Provider)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context, opts Options) error {
	if a.cfg.PubSub.TopicName == "" {
		return nil
	}
	if a.cfg.Storage.Provider == config.ProviderMemory {
		a.publisher = memory.New()
		return nil
	}
	client, err := newPubSubClient(ctx, a.cfg.PubSub.ProjectID, opts.ClientOptions...)
	if err != nil {
		return fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client, map[string]string{"jenkins_url": a.cfg.Jenkins.URL})
	a.closers = append(a.closers, client.Close, pub.Close)
	a.logger.Info("publishing build notifications",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	a.publisher = pub
	return nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Fetcher returns the Jenkins fetcher, rate limited when configured.
func (a *App) Fetcher() crawler.Fetcher {
	return a.fetcher
}

// Blobs returns the artifact store.
func (a *App) Blobs() storage.BlobStore {
	return a.blobs
}

// Publisher returns the notification publisher, or nil without a topic.
func (a *App) Publisher() crawler.Publisher {
	return a.publisher
}

// Runs returns the run record store.
func (a *App) Runs() store.RunRepository {
	return a.runs
}

// Clock returns the wall clock.
func (a *App) Clock() *system.Clock {
	return a.clock
}

// IDs returns the run ID generator.
func (a *App) IDs() *uuid.Generator {
	return a.ids
}

// Server returns the status server. It only listens once ServeStatus is called.
func (a *App) Server() *api.Server {
	return a.server
}

// ServeStatus starts the status server when metrics.addr is set. It stops
// when ctx ends.
func (a *App) ServeStatus(ctx context.Context) error {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	_, done, err := a.server.Serve(ctx, a.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("start status server: %w", err)
	}
	a.closers = append(a.closers, func() error {
		select {
		case err := <-done:
			return err
		default:
			return nil
		}
	})
	return nil
}

// Close releases clients in reverse order of creation.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
