package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keboola/marketplace-live/internal/pkg/encoding/json"
	"github.com/keboola/marketplace-live/internal/pkg/requestclient"
)

type getFlags struct {
	params    map[string]string
	skipCache bool
	repeat    int
}

func (r *root) getCommand() *cobra.Command {
	f := &getFlags{}
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Send a cached GET request and print the response.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := r.deps.APIClient()

			var opts []requestclient.RequestOption
			if len(f.params) > 0 {
				params := make(map[string]any, len(f.params))
				for k, v := range f.params {
					params[k] = v
				}
				opts = append(opts, requestclient.WithParams(params))
			}
			if f.skipCache {
				opts = append(opts, requestclient.SkipCache())
			}

			for range max(1, f.repeat) {
				res, err := client.Get(ctx, args[0], opts...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n%s\n", res.CacheStatus, res.StatusCode, res.String())
			}
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&f.params, "param", nil, "Query parameter, for example --param page=2.")
	cmd.Flags().BoolVar(&f.skipCache, "skip-cache", false, "Bypass the response cache.")
	cmd.Flags().IntVar(&f.repeat, "repeat", 1, "Number of requests, repeated requests are served from the cache.")
	return cmd
}

func (r *root) cacheStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cache-stats [path...]",
		Short: "Load the paths through the cache and print cache statistics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			for _, path := range args {
				if _, err := r.deps.APIClient().Get(ctx, path); err != nil {
					return err
				}
			}

			stats := r.deps.APIClient().CacheStats()
			out, err := json.EncodeString(map[string]any{
				"size":        stats.Size,
				"keys":        stats.Keys,
				"oldestEntry": stats.OldestEntry,
			}, true)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}
