// Package cmd defines and implements the CLI commands for the jenkins-dump executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jenkins-dump/internal/api"
	"github.com/JakeFAU/jenkins-dump/internal/app"
	"github.com/JakeFAU/jenkins-dump/internal/clock/system"
	"github.com/JakeFAU/jenkins-dump/internal/config"
	"github.com/JakeFAU/jenkins-dump/internal/crawler"
	"github.com/JakeFAU/jenkins-dump/internal/id/uuid"
	"github.com/JakeFAU/jenkins-dump/internal/logging"
	"github.com/JakeFAU/jenkins-dump/internal/storage"
	"github.com/JakeFAU/jenkins-dump/internal/store"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// annotationURLArg marks commands whose positional argument at the given
// index is the Jenkins URL. Only those commands build an App.
const annotationURLArg = "jenkins-dump/url-arg"

// App defines the services commands use. Tests may inject their own.
type App interface {
	Close() error
	Config() config.Config
	Logger() *zap.Logger
	Fetcher() crawler.Fetcher
	Blobs() storage.BlobStore
	Publisher() crawler.Publisher
	Runs() store.RunRepository
	Clock() *system.Clock
	IDs() *uuid.Generator
	Server() *api.Server
	ServeStatus(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.NewApp(ctx, cfg, logger, app.Options{})
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "jenkins-dump",
		Short: "Mirror a Jenkins server's job tree and build artifacts.",
		Long: `jenkins-dump walks the job hierarchy of a Jenkins server through its JSON API,
snapshots it as jobs.json, and dumps the metadata, console log and injected
environment of every build onto local disk or Cloud Storage.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the App for commands that name a Jenkins URL. Positional
		// arguments are validated before this hook runs.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			idx, ok := cmd.Annotations[annotationURLArg]
			if !ok {
				return nil
			}
			overrides := map[string]any{}
			if i, err := strconv.Atoi(idx); err == nil && i < len(args) {
				overrides["jenkins.url"] = args[i]
			}
			cfg, err := config.Load(config.LoadOptions{
				Path:      cfgFile,
				Flags:     cmd.Flags(),
				Overrides: overrides,
			})
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Verbose:     cfg.Logging.Verbose,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolP("insecure", "i", false, "skip TLS certificate verification")

	cmd.AddCommand(newDumpCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the run; builds
// already in flight finish before the process exits.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger, lerr := logging.New(logging.Options{Development: true})
		if lerr != nil {
			logger = zap.NewExample()
		}
		stop()
		logger.Fatal("Command execution failed", zap.Error(err))
	}
}
