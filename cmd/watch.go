package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/bugtrack/internal/client"
	"github.com/joescharf/bugtrack/internal/events"
)

var (
	watchBreached bool
	watchInterval time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of bugs with breach timers",
	Long: `Redraw the bug list on a fixed interval and immediately whenever the
server pushes a change, so a stage or breach crossing shows up within one
interval. Errors are printed and the next refresh carries on.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchRun(cmd.Context())
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchBreached, "breached", false, "Watch breached bugs instead of active ones")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Refresh interval (default client.poll_interval)")
	rootCmd.AddCommand(watchCmd)
}

func watchRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	c := getClient()
	if !c.Session().Valid(time.Now()) {
		return client.ErrNoSession
	}

	interval := watchInterval
	if interval <= 0 {
		interval = viper.GetDuration("client.poll_interval")
	}

	poller := client.NewPoller(interval, func(ctx context.Context) error {
		return watchRefresh(ctx, c)
	}, func(err error) {
		ui.Error("%s", client.UserMessage(err))
	})

	var wg conc.WaitGroup
	wg.Go(func() { followEvents(ctx, c, poller, interval) })
	err := poller.Run(ctx)
	wg.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func watchRefresh(ctx context.Context, c *client.Client) error {
	bugs, err := c.ListBugs(ctx, client.ListOptions{Breached: watchBreached})
	if err != nil {
		return err
	}
	fmt.Fprintf(ui.Out, "\n%s  %d bugs\n", time.Now().Format("15:04:05"), len(bugs))
	if len(bugs) > 0 {
		renderBugs(ctx, c, bugs)
	}
	return nil
}

// followEvents triggers a refresh for every pushed event and reconnects
// after interval when the stream drops.
func followEvents(ctx context.Context, c *client.Client, poller *client.Poller, interval time.Duration) {
	for ctx.Err() == nil {
		err := c.StreamEvents(ctx, func(e events.Event) {
			slog.Debug("event received", "type", e.Type, "resource", e.ResourceID)
			poller.Trigger()
		})
		if ctx.Err() != nil {
			return
		}
		slog.Debug("event stream closed", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
