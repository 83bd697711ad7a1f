package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show login, local database and sync position",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		file := cfg.File
		if file == "" {
			file = RenderMuted("none (defaults)")
		}
		fmt.Printf("%s\n", RenderAccent("Configuration"))
		fmt.Printf("  File:       %s\n", file)
		fmt.Printf("  Server:     %s %s\n", cfg.Client.URL, serverHealth(ctx, cfg.Client.URL))
		fmt.Printf("  Path:       %s\n", cfg.Client.Path)

		fmt.Printf("\n%s\n", RenderAccent("Login"))
		user, err := loadLogin(cfg.Client.Directory)
		switch {
		case errors.Is(err, errNotLoggedIn):
			fmt.Printf("  %s (the replica is local only)\n", RenderWarn("not logged in"))
		case err != nil:
			fatalf("%v", err)
		default:
			expiry := user.ExpiresAt.Local().Format(time.RFC3339)
			if user.Expired() {
				expiry = RenderFail("expired " + expiry)
			}
			fmt.Printf("  Identity:   %s\n", user.Identity)
			fmt.Printf("  Endpoint:   %s\n", user.ServerURL)
			fmt.Printf("  Expires:    %s\n", expiry)
		}
		if user != nil && user.Expired() {
			return
		}

		c, err := clientConfiguration("replica")
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("\n%s\n", RenderAccent("Local database"))
		fmt.Printf("  File:       %s\n", c.DBPath())
		if _, err := os.Stat(c.DBPath()); errors.Is(err, os.ErrNotExist) {
			fmt.Printf("  %s\n", RenderMuted("not created yet"))
			return
		}

		store, err := openStore()
		if err != nil {
			fatalf("failed to open replica: %v", err)
		}
		defer store.Close()

		var counts []string
		for _, class := range store.Schema().ClassNames() {
			n, err := store.Count(ctx, class)
			if err != nil {
				store.Close()
				fatalf("%v", err)
			}
			counts = append(counts, fmt.Sprintf("%s %d", class, n))
		}
		fmt.Printf("  Objects:    %s\n", strings.Join(counts, ", "))

		state, err := store.SyncState(ctx)
		if err != nil {
			store.Close()
			fatalf("%v", err)
		}
		latest, err := store.LatestVersion(ctx)
		if err != nil {
			store.Close()
			fatalf("%v", err)
		}
		pending := RenderPass("none")
		if state.Pending() {
			pending = RenderWarn(fmt.Sprintf("local versions %d..%d", state.LastAckedVersion+1, state.LatestLocalVersion))
		}
		fmt.Printf("  Journal:    version %d\n", latest)
		fmt.Printf("  Server:     version %d integrated\n", state.LastServerVersion)
		fmt.Printf("  Uploads:    %s pending\n", pending)
	},
}

// serverHealth probes the server's /health endpoint.
func serverHealth(ctx context.Context, base string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/health", nil)
	if err != nil {
		return RenderFail("(invalid URL)")
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return RenderWarn("(unreachable)")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return RenderWarn("(" + resp.Status + ")")
	}
	return RenderPass("(ok)")
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
