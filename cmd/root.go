// Package cmd defines and implements the CLI commands for the siterag executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/siterag/internal/config"
	"github.com/JakeFAU/siterag/internal/query"
	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/server"
	"github.com/JakeFAU/siterag/internal/session"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the commands need from the built application, so tests can
// inject a fake.
type App interface {
	Run(ctx context.Context) error
	Crawl(ctx context.Context, req session.CreateRequest) (rag.SessionMetadata, error)
	Ask(ctx context.Context, req query.Request) (rag.Answer, error)
	Close(ctx context.Context) error
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "siterag",
		Short: "Scrape a website and answer questions about it.",
		Long: `siterag crawls a single website, indexes its pages as embedded chunks,
and answers natural-language questions grounded in that content.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				return appInstance.Close(cmd.Context())
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and SITERAG_* environment variables apply)")
	cmd.AddCommand(newServeCmd(), newCrawlCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
