package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dSync/cmd/perf"
	"github.com/ValentinKolb/dSync/cmd/session"
	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.4.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dsync",
		Short: "end-to-end encrypted chat sync client",
		Long: fmt.Sprintf(`dSync (v%s)

Client side sync engine of an end-to-end encrypted chat. It keeps a local,
indexed mirror of users, rooms, members and AI models in sync with the server
and decrypts room secrets with a keychain derived from the user's passkey.

All flags can also be set as environment variables with the prefix DSYNC_
(e.g. DSYNC_PASSKEY, DSYNC_ENDPOINTS) or in a .env / .env.local file.`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dSync",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dSync v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(session.Commands()...)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupConnectionFlags(RootCmd)
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "warn", util.WrapString("Level at which logs will be output (debug, info, warn, error)"))
	key = "metrics"
	RootCmd.PersistentFlags().Bool(key, false, util.WrapString("Print the metrics of the connection in prometheus format when the command exits"))
}

// setup binds the flags to viper and initializes the loggers
func setup(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	return util.InitLogging()
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
