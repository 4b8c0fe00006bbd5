package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	modxcache "github.com/dgduncan/modx-cache"
	"github.com/dgduncan/modx-cache/caches"
	"github.com/dgduncan/modx-cache/internal/config"
)

// withApp loads the config, builds the app for the duration of fn and
// releases it afterwards.
func withApp(cmd *cobra.Command, load func() (config.Config, error), fn func(ctx context.Context, a *app) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(ctx); err != nil {
			a.logger.WarnContext(ctx, "shutdown failed", "error", err)
		}
	}()

	return fn(ctx, a)
}

func newCacheCmd(load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage cached conversations",
	}

	cmd.AddCommand(
		newCacheGetCmd(load),
		newCacheDelCmd(load),
		newCacheTTLCmd(load),
		newCacheExpireCmd(load),
		newCacheKeysCmd(load),
		newCacheClearCmd(load),
		newCacheCounterCmd(load, "incr", "increment", false),
		newCacheCounterCmd(load, "decr", "decrement", true),
	)
	return cmd
}

func newCacheGetCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the conversation cached under key as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				lookup := a.cache.Get(ctx, args[0])

				switch lookup.Kind() {
				case modxcache.KindNegativeHit:
					fmt.Fprintln(cmd.OutOrStdout(), "(negative)")
					return nil
				case modxcache.KindMiss:
					return fmt.Errorf("%s: %w", args[0], modxcache.ErrNotFound)
				}

				messages, _ := lookup.Value()
				data, err := json.MarshalIndent(messages, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			})
		},
	}
}

func newCacheDelCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>...",
		Short: "Delete keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				deleted := 0
				for _, key := range args {
					if err := a.cache.Delete(ctx, key); err == nil {
						deleted++
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", deleted)
				return nil
			})
		},
	}
}

func formatTTL(d time.Duration) string {
	switch d {
	case caches.KeyAbsent:
		return "(absent)"
	case caches.NoExpiry:
		return "(no expiry)"
	default:
		return d.Round(time.Second).String()
	}
}

func newCacheTTLCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "ttl <key>",
		Short: "Print the remaining time to live of key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				fmt.Fprintln(cmd.OutOrStdout(), formatTTL(a.cache.TTL(ctx, args[0])))
				return nil
			})
		},
	}
}

func newCacheExpireCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "expire <key> <duration>",
		Short: "Set the time to live of key, 0 removes the expiry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, err := time.ParseDuration(args[1])
			if err != nil {
				return usageError{err}
			}

			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				a.cache.Expire(ctx, args[0], ttl)
				fmt.Fprintln(cmd.OutOrStdout(), formatTTL(a.cache.TTL(ctx, args[0])))
				return nil
			})
		},
	}
}

func newCacheKeysCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "keys [pattern]",
		Short: "List keys, optionally filtered by a glob pattern",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := "*"
			if len(args) == 1 {
				pattern = args[0]
			}
			if _, err := path.Match(pattern, ""); err != nil {
				return usageError{err}
			}

			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				for _, key := range modxcache.Keys(ctx, a.cache) {
					if ok, _ := path.Match(pattern, key); ok {
						fmt.Fprintln(cmd.OutOrStdout(), key)
					}
				}
				return nil
			})
		},
	}
}

func newCacheClearCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every key in the namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				before := modxcache.Len(ctx, a.cache)
				modxcache.Clear(ctx, a.cache)
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d\n", before-modxcache.Len(ctx, a.cache))
				return nil
			})
		},
	}
}

// newCacheCounterCmd builds incr and decr.
func newCacheCounterCmd(load func() (config.Config, error), name, verb string, decrement bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <key> [amount]",
		Short: fmt.Sprintf("Atomically %s a counter, by 1 unless amount is given", verb),
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount := int64(1)
			if len(args) == 2 {
				n, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return usageError{fmt.Errorf("amount: %w", err)}
				}
				amount = n
			}

			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				var n int64
				if decrement {
					n = a.cache.Decr(ctx, args[0], amount)
				} else {
					n = a.cache.Incr(ctx, args[0], amount)
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}
