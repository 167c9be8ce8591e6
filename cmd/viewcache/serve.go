package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	viewcache "github.com/always-cache/viewcache"
	"github.com/always-cache/viewcache/cache"
	"github.com/always-cache/viewcache/examples/blog"
	cachepolicy "github.com/always-cache/viewcache/pkg/cache-policy"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the example blog",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			config.Port = portFlag
		}
		return serve(cmd.Context(), config)
	},
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 8080, "Port to listen on (overrides config)")
}

func loadConfig() (viewcache.FileConfig, error) {
	if configFilenameFlag == "" {
		return viewcache.DefaultFileConfig(), nil
	}
	return viewcache.LoadConfig(configFilenameFlag)
}

func serve(ctx context.Context, config viewcache.FileConfig) error {
	store, err := cache.Open(config.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	policies := blog.Policies()
	if _, err := os.Stat(config.Policies); err == nil {
		policies = os.DirFS(config.Policies)
	} else {
		log.Debug().Str("dir", config.Policies).Msg("Policy directory not found, using built-in policies")
	}

	app, err := viewcache.New(viewcache.Config{
		Store:    store,
		Policies: cachepolicy.FSSource{FS: policies},
		Deriver:  config.Deriver,
		Layout:   blog.Layout,
		Debug:    config.Debug,
		ETag:     config.ETag,
		Logger:   &log.Logger,
	})
	if err != nil {
		return err
	}
	posts := blog.NewPosts()
	posts.Add("Hello world", "The first post.")
	posts.Add("Caching views", "Pages, actions and fragments.")
	blog.Register(app, posts)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           app,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("Serving on port %d (store %s)", config.Port, config.Store.Provider)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
