package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/conn"
	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/ValentinKolb/dSync/lib/synclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var replayCmd = &cobra.Command{
	Use:   "replay [file...]",
	Short: "Apply sync log files to an offline connection",
	Long: `Apply sync log files (JSON, "-" reads stdin) in the given order to a fresh offline connection and print
what happened to every entry. Encrypted resources are decrypted with the keychain derived from the passkey, entries
whose key is not part of the replayed logs stay deferred and are reported as dropped at the end.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().String("dump", "", util.WrapString("Print all rows of this kind as JSON after the replay (user, room, member, ai_model)"))
}

func runReplay(cmd *cobra.Command, args []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	c, err := openConnection(ctx, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeConnection(c); err != nil {
			fmt.Printf("error disconnecting: %v\n", err)
		}
	}()

	for _, file := range args {
		log, err := readLog(file)
		if err != nil {
			return err
		}

		res, err := c.Apply(ctx, log)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		fmt.Printf("%s: %s log, %d entries: applied %d, ignored %d, skipped %d, deferred %d, resolved %d (%s)\n",
			file, res.Type, len(log.Log), res.Applied, res.Ignored, res.Skipped, res.Deferred, res.Resolved, res.Duration)
		for _, applyErr := range res.Errors {
			fmt.Printf("  skipped: %v\n", applyErr)
		}
	}

	fmt.Println()
	if err := printCounts(c); err != nil {
		return err
	}

	if kind := viper.GetString("dump"); kind != "" {
		return dump(c, resource.Kind(kind))
	}
	return nil
}

func readLog(file string) (*synclog.Log, error) {
	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, err
	}

	log, err := synclog.ParseLog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return log, nil
}

func dump(c *conn.Connection, kind resource.Kind) error {
	s, err := c.Session()
	if err != nil {
		return err
	}
	if _, ok := s.DB.Registry().Lookup(kind); !ok {
		return fmt.Errorf("unknown kind %q", kind)
	}

	fmt.Println()
	enc := json.NewEncoder(os.Stdout)
	for _, row := range s.DB.All(kind) {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}
