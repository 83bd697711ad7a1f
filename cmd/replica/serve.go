package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/replica/metrics"
	"github.com/replicasync/replica/internal/replica/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "admin",
	Short:   "Run the sync server",
	Long: `Run the sync server.

The server authenticates users at /auth, accepts sync sessions at /sync and
serves Prometheus metrics at /metrics. Every path (for example ~/cars, which
resolves to /<identity>/cars) has its own ordered changeset history.

Example usage:
  replica serve                      # listen on :7800, database replica-server.db
  replica serve --port 9000 --server-db /var/lib/replica/server.db`,
	Run: func(cmd *cobra.Command, args []string) {
		srv, err := server.NewServer(&server.Config{
			Port:            cfg.Server.Port,
			DBPath:          cfg.Server.DB,
			TokenTTL:        cfg.Server.TokenTTLDuration(),
			BatchSize:       cfg.Server.BatchSize,
			AllowCreateUser: cfg.Server.AllowCreateUser,
			Logger:          logOut.Logger("server"),
			Metrics:         metrics.New(),
		})
		if err != nil {
			fatalf("failed to create server: %v", err)
		}
		if err := srv.Start(); err != nil {
			fatalf("failed to start server: %v", err)
		}

		addr := srv.GetAddr()
		fmt.Printf("%s Sync server on %s\n", RenderAccent("▶"), addr)
		fmt.Printf("  Auth:    http://%s/auth\n", addr)
		fmt.Printf("  Sync:    ws://%s/sync\n", addr)
		fmt.Printf("  Metrics: http://%s/metrics\n", addr)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := srv.Stop(); err != nil {
			fatalf("failed to stop server: %v", err)
		}
	},
}

var userCmd = &cobra.Command{
	Use:     "user",
	GroupID: "admin",
	Short:   "Manage server users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Register a user in the server database",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			p, err := promptPassword("Password for " + args[0] + ": ")
			if err != nil {
				fatalf("%v", err)
			}
			password = p
		}

		store, err := server.OpenStore(cfg.Server.DB)
		if err != nil {
			fatalf("%v", err)
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		u, err := store.AddUser(ctx, args[0], password)
		if err != nil {
			store.Close()
			fatalf("failed to add user: %v", err)
		}
		fmt.Printf("%s Added %s (identity %s)\n", RenderPass("✓"), u.Username, u.Identity)
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users in the server database",
	Run: func(cmd *cobra.Command, args []string) {
		store, err := server.OpenStore(cfg.Server.DB)
		if err != nil {
			fatalf("%v", err)
		}
		defer store.Close()

		users, err := store.ListUsers(context.Background())
		if err != nil {
			store.Close()
			fatalf("failed to list users: %v", err)
		}
		if len(users) == 0 {
			fmt.Println(RenderMuted("No users"))
			return
		}
		rows := make([][]string, len(users))
		for i, u := range users {
			rows[i] = []string{u.Username, u.Identity, u.CreatedAt.Local().Format(time.DateTime)}
		}
		fmt.Print(renderTable([]string{"USERNAME", "IDENTITY", "CREATED"}, rows))
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "Port to listen on (default: 7800)")
	serveCmd.Flags().String("server-db", "", "Server database (default: replica-server.db)")
	userCmd.PersistentFlags().String("server-db", "", "Server database (default: replica-server.db)")
	userAddCmd.Flags().String("password", "", "Password (prompted when omitted)")

	userCmd.AddCommand(userAddCmd, userListCmd)
	rootCmd.AddCommand(serveCmd, userCmd)
}
