package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/always-cache/viewcache/cache"
	cachekey "github.com/always-cache/viewcache/pkg/cache-key"
)

var (
	hostFlag    string
	expiredFlag bool
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove cached entries, of one host or all of them",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := cache.Open(config.Store)
		if err != nil {
			return err
		}
		defer store.Close()

		namespace := ""
		if hostFlag != "" {
			namespace = "/" + cachekey.HostFingerprint(hostFlag)
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if expiredFlag {
			purger, ok := store.(interface {
				Purge(context.Context) (int64, error)
			})
			if !ok {
				return fmt.Errorf("store %q keeps no write lifetimes, use clear without --expired", config.Store.Provider)
			}
			n, err := purger.Purge(ctx)
			if err != nil {
				return err
			}
			log.Info().Int64("entries", n).Msg("Expired entries removed")
			return nil
		}
		if err := store.Clean(ctx, namespace); err != nil {
			return err
		}
		log.Info().Str("namespace", namespace).Msg("Cache cleared")
		return nil
	},
}

func init() {
	clearCmd.Flags().BoolVar(&expiredFlag, "expired", false, "Only remove entries whose lifetime has passed (sqlite)")
	clearCmd.Flags().StringVar(&hostFlag, "host", "", "Only clear entries of this host (e.g. www.example.com:8080)")
}
