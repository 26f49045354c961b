package session

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/bus"
	"github.com/ValentinKolb/dSync/lib/conn"
	"github.com/ValentinKolb/dSync/lib/synclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to the server and print the synchronized state",
	Long: `Connect to the server, apply the full sync log and print the number of resources per kind.
With --watch the connection stays open, keeps polling and prints every event until the duration
is over or the process is interrupted.`,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().Duration("watch", 0, util.WrapString("Keep the connection open for this long and print events (0 = exit after the handshake, -1s = until interrupted)"))
}

func runConnect(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if util.GetConfig().Client.Offline() {
		return fmt.Errorf("no endpoints configured (--endpoints or DSYNC_ENDPOINTS)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	c, err := openConnection(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeConnection(c); err != nil {
			fmt.Printf("error disconnecting: %v\n", err)
		}
	}()

	fmt.Printf("connected as %s in %s\n\n", c.ID(), time.Since(start).Round(time.Millisecond))
	if err := printCounts(c); err != nil {
		return err
	}

	watch := viper.GetDuration("watch")
	if watch == 0 {
		return nil
	}

	_, cancel := c.Bus().Subscribe(bus.TopicAll, printEvent)
	defer cancel()

	if watch > 0 {
		var timeout context.CancelFunc
		ctx, timeout = context.WithTimeout(ctx, watch)
		defer timeout()
	}
	<-ctx.Done()

	fmt.Println()
	return printCounts(c)
}

func printEvent(e bus.Event) {
	ts := e.Time.Format(time.TimeOnly)
	switch p := e.Payload.(type) {
	case synclog.Result:
		fmt.Printf("%s %-20s %s log: applied %d, ignored %d, skipped %d, deferred %d, resolved %d\n",
			ts, e.Topic, p.Type, p.Applied, p.Ignored, p.Skipped, p.Deferred, p.Resolved)
	case synclog.DroppedEntry:
		fmt.Printf("%s %-20s %s (%v)\n", ts, e.Topic, p.Entry, p.Err)
	case conn.KeyAvailable:
		fmt.Printf("%s %-20s %s %s\n", ts, e.Topic, p.Type, p.Key)
	default:
		fmt.Printf("%s %-20s %v\n", ts, e.Topic, p)
	}
}
