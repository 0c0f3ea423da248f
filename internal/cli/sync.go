package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/h3org/h3sync/internal/core"
	"github.com/h3org/h3sync/internal/store"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload queued changes and download new ones",
	Long: `Upload the queue to the server, then download what changed.

If another client took the serials this replica provisionally used, the
queue is rebased once onto fresh codes and uploaded again.`,
	Args: cobra.NoArgs,
	Run:  runSync,
}

var rejectCmd = &cobra.Command{
	Use:   "reject <serial>",
	Short: "Drop a queued entry the server keeps refusing",
	Long: `Mark a queued entry REJECTED so sync stops uploading it. The serial is
the negative local serial shown by 'h3 status'.`,
	Args: cobra.ExactArgs(1),
	Run:  runReject,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync in the foreground on a schedule",
	Long: `Run sync on a cron schedule (six fields, seconds first) until interrupted.
The schedule comes from --schedule, then sync_schedule in the config, then
every five minutes.`,
	Args: cobra.NoArgs,
	Run:  runWatch,
}

var (
	syncTimeout   time.Duration
	watchSchedule string
)

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 5*time.Minute, "Abort the sync after this long")
	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "", "Cron schedule, seconds first")
	watchCmd.Flags().DurationVar(&syncTimeout, "timeout", 5*time.Minute, "Abort a single sync after this long")
}

// progressPrinter reports sync phases on stderr.
func progressPrinter() core.Progress {
	return func(phase string, current, total int) {
		if total == 0 {
			return
		}
		fmt.Fprintf(os.Stderr, "\r%s %d/%d", phase, current, total)
		if current == total {
			fmt.Fprintln(os.Stderr)
		}
	}
}

func runSync(cmd *cobra.Command, args []string) {
	c := initSessionContext()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	res, err := c.Engine.Sync(ctx)
	if res != nil {
		printSyncResult(res)
	}
	if err != nil {
		exitError("sync failed: %v", err)
	}
	if res.Outcome.Status != core.StatusSuccess {
		os.Exit(1)
	}
}

func printSyncResult(res *core.SyncResult) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	if res.Outcome.Status == core.StatusSuccess {
		green.Printf("Sync complete")
	} else {
		red.Printf("Sync %s: %s", res.Outcome.Status, res.Outcome.Reason)
	}
	fmt.Printf(" (%d uploaded, %d downloaded", res.Uploaded, res.Downloaded)
	if res.Renumbered > 0 {
		fmt.Printf(", %d renumbered", res.Renumbered)
	}
	fmt.Println(")")
}

func runReject(cmd *cobra.Command, args []string) {
	serial, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		exitError("invalid serial %q", args[0])
	}
	if serial > 0 {
		serial = -serial
	}

	c := initContext()
	defer c.Close()

	item, err := c.Engine.Reject(serial)
	if errors.Is(err, store.ErrNotQueued) {
		exitError("entry %d is not waiting for upload", serial)
	}
	if err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Rejected %d: %s %s %s\n", serial, item.Entry.Type, item.Entry.Table, item.Entry.Key)
}

func runWatch(cmd *cobra.Command, args []string) {
	c := initSessionContext()
	defer c.Close()

	spec := watchSchedule
	if spec == "" {
		spec = c.Config.SyncSchedule
	}

	sched := core.NewScheduler(c.Engine, c.Logger, syncTimeout)
	if err := sched.Start(spec); err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Watching as %s, press Ctrl-C to stop\n", c.Engine.User())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	sched.Stop()
	if at, result := sched.LastRun(); !at.IsZero() {
		fmt.Printf("Last sync %s: %s\n", at.Local().Format(time.DateTime), result)
	}
}
