package session

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/conn"
	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Commands returns all commands that work on a connection
func Commands() []*cobra.Command {
	return []*cobra.Command{replayCmd, connectCmd, keychainCmd}
}

// openConnection creates a connection from the flags and connects it. offline forces a connection without server.
func openConnection(ctx context.Context, offline bool) (*conn.Connection, error) {
	cfg := util.GetConfig()
	if offline {
		cfg.Client.Endpoints = nil
	}
	if len(cfg.Keychain.Passkey) == 0 || len(cfg.Keychain.Salt) == 0 {
		return nil, fmt.Errorf("passkey and salt are required (--passkey/--salt or DSYNC_PASSKEY/DSYNC_SALT)")
	}

	t, err := util.GetTransport()
	if err != nil {
		return nil, err
	}
	s, err := util.GetSerializer()
	if err != nil {
		return nil, err
	}

	c := conn.New(cfg, conn.WithTransport(t), conn.WithSerializer(s))
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// closeConnection disconnects c and prints the metrics if requested
func closeConnection(c *conn.Connection) error {
	err := c.Disconnect(context.Background())
	if viper.GetBool("metrics") {
		fmt.Println()
		c.Telemetry().WritePrometheus(os.Stdout)
	}
	return err
}

// printCounts prints the table statistics per stored kind
func printCounts(c *conn.Connection) error {
	s, err := c.Session()
	if err != nil {
		return err
	}
	info := s.DB.GetInfo()
	kinds := make([]string, 0, len(info.Kinds))
	for kind := range info.Kinds {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	fmt.Printf("%-12s%8s%12s%10s\n", "KIND", "ROWS", "TOMBSTONES", "INDEXED")
	for _, kind := range kinds {
		k := info.Kinds[resource.Kind(kind)]
		indexed := 0
		for _, n := range k.IndexEntries {
			indexed += n
		}
		fmt.Printf("%-12s%8d%12d%10d\n", kind, k.Rows, k.Tombstones, indexed)
	}
	return nil
}
