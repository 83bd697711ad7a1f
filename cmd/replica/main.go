// Command replica runs the sync server and the client-side tools for a
// replicated object store: login, live change watching, object edits,
// journal inspection, snapshots and file ingestion.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/config"
	"github.com/replicasync/replica/internal/logging"
)

var (
	cfg    *config.Config
	logOut *logging.Output
)

var rootCmd = &cobra.Command{
	Use:   "replica",
	Short: "Local-first object replica with server sync and change notifications",
	Long: `replica keeps a local object database in sync with a path on a sync server
and reports how queried collections change.

Settings come from replica.toml (working directory or user config directory),
REPLICA_* environment variables and flags, in increasing precedence.

Typical session:
  replica serve                          # start a server on :7800
  replica login --username alice --create
  replica watch                          # log every change to ~/cars
  replica put Car carId=1 carYear=2020   # from another terminal`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("config")
		c, err := config.Load(path, cmd.Flags())
		if err != nil {
			// config init must be able to replace a broken file
			if cmd != configInitCmd {
				fatalf("%v", err)
			}
			c = config.Default()
		}
		out, err := logging.Open(c.Log)
		if err != nil {
			fatalf("%v", err)
		}
		cfg, logOut = c, out
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logOut != nil {
			_ = logOut.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Objects and history:"},
		&cobra.Group{ID: "admin", Title: "Server and setup:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default: ./replica.toml)")
	pf.String("url", "", "Server URL used for login, e.g. http://localhost:7800")
	pf.String("path", "", "Synced path, e.g. ~/cars")
	pf.String("username", "", "Username for login")
	pf.String("dir", "", "Directory holding local databases and the saved login")
	pf.String("schema", "", "Schema YAML file (default: built-in Car/Manufacture/Owner model)")
	pf.String("log-file", "", "Also write logs to this file, rotated by size")
	pf.Bool("quiet", false, "Do not log to stderr")
}

// fatalf prints an error and exits. Deferred calls do not run.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", RenderFail("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
