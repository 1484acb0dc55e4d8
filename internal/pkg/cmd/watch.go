package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keboola/marketplace-live/internal/pkg/encoding/json"
	"github.com/keboola/marketplace-live/internal/pkg/livestats"
	"github.com/keboola/marketplace-live/internal/pkg/realtime"
	"github.com/keboola/marketplace-live/internal/pkg/telemetry/metrics"
	"github.com/keboola/marketplace-live/internal/pkg/utils/errors"
)

const metricsShutdownTimeout = 5 * time.Second

type watchFlags struct {
	statsURL string
	duration time.Duration
}

func (r *root) watchCommand() *cobra.Command {
	f := &watchFlags{}
	cmd := &cobra.Command{
		Use:   "watch <project|freelancer> <id>",
		Short: "Print live statistics of a project or a freelancer on each change.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args[0], args[1])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if f.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, f.duration)
				defer cancel()
			}

			if r.deps.Config().Metrics.Enabled {
				stop := r.serveMetrics(ctx)
				defer stop()
			}

			return r.watch(ctx, cmd, target, f)
		},
	}
	cmd.Flags().StringVar(&f.statsURL, "stats-url", "", `API path of the initial snapshot, "{id}" is replaced by the ID.`)
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "Stop watching after the duration, zero means until interrupted.")
	return cmd
}

func (r *root) watch(ctx context.Context, cmd *cobra.Command, target livestats.Target, f *watchFlags) error {
	logger := r.deps.Logger()
	aggregator := r.deps.NewAggregator(target, livestats.Stats{})

	if f.statsURL != "" {
		url := strings.ReplaceAll(f.statsURL, "{id}", target.ID())
		if err := aggregator.SeedFromREST(ctx, r.deps.APIClient(), url); err != nil {
			// REST is the source of truth, but live updates are still useful without the snapshot
			logger.Warnf(ctx, `%s`, err)
		}
	}

	out := cmd.OutOrStdout()
	printStats := func(s livestats.Stats) {
		line, err := json.EncodeString(s, false)
		if err == nil {
			fmt.Fprintln(out, line)
		}
	}

	unsubscribeStatus := r.deps.RealtimeChannel().SubscribeToConnectionStatus(func(state realtime.ConnectionState) {
		logger.Infof(ctx, `live channel is %s`, state)
	})
	defer unsubscribeStatus()

	unsubscribe := aggregator.OnChange(printStats)
	defer unsubscribe()

	printStats(aggregator.Stats())
	aggregator.Start(ctx)
	<-ctx.Done()
	aggregator.Stop(context.WithoutCancel(ctx))
	return nil
}

func (r *root) serveMetrics(ctx context.Context) (stop func()) {
	logger := r.deps.Logger()
	srv := &http.Server{
		Addr:              r.deps.Config().Metrics.Listen,
		Handler:           metrics.Handler(r.deps.MetricsRegistry()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof(ctx, `metrics listening on "%s"`, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf(ctx, `metrics server failed: %s`, err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf(ctx, `cannot shutdown metrics server: %s`, err)
		}
	}
}

func parseTarget(kind, id string) (livestats.Target, error) {
	if id == "" {
		return livestats.Target{}, errors.New("ID must not be empty")
	}
	switch kind {
	case "project":
		return livestats.Project(id), nil
	case "freelancer":
		return livestats.Freelancer(id), nil
	default:
		return livestats.Target{}, errors.Errorf(`unexpected target "%s", expected "project" or "freelancer"`, kind)
	}
}
