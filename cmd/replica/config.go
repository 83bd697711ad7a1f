package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "admin",
	Short:   "Create or inspect replica.toml",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default replica.toml",
	Long: `Write the default configuration to replica.toml in the working directory,
or to the given path. Use --user to write it to the user config directory.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		user, _ := cmd.Flags().GetBool("user")

		path := config.FileName
		switch {
		case len(args) == 1:
			path = args[0]
		case user:
			dir, err := os.UserConfigDir()
			if err != nil {
				fatalf("no user config directory: %v", err)
			}
			path = filepath.Join(dir, "replica", config.FileName)
		}

		if err := config.WriteDefault(path, force); err != nil {
			if errors.Is(err, config.ErrExists) {
				fatalf("%v (use --force to overwrite)", err)
			}
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after applying replica.toml, REPLICA_* environment
variables and flags.`,
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.File != "" {
			fmt.Printf("# from %s\n", cfg.File)
		}
		if err := toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configInitCmd.Flags().Bool("user", false, "Write to the user config directory")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
