package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/replicasync/replica/internal/replica/auth"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "sync",
	Short:   "Log in to the sync server and save the token",
	Long: `Log in to the sync server with a username and password.

The returned token and sync endpoint are saved to <dir>/login.json and used by
every command that opens the replica. With --create the server registers the
user first if it does not exist (when the server allows it).

Example usage:
  replica login --username alice --create
  replica login --url http://sync.example.com:7800 --username bob`,
	Run: func(cmd *cobra.Command, args []string) {
		create, _ := cmd.Flags().GetBool("create")
		password, _ := cmd.Flags().GetString("password")

		username := cfg.Client.Username
		if username == "" {
			u, err := promptLine("Username: ")
			if err != nil {
				fatalf("%v", err)
			}
			username = u
		}
		if username == "" {
			fatalf("a username is required")
		}
		if password == "" {
			p, err := promptPassword("Password: ")
			if err != nil {
				fatalf("%v", err)
			}
			password = p
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		user, err := auth.Login(ctx, cfg.Client.URL, auth.UsernamePassword(username, password, create))
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInvalidCredentials):
				fatalf("invalid username or password")
			case errors.Is(err, auth.ErrRegistrationDisabled):
				fatalf("the server does not allow creating users")
			default:
				fatalf("%v", err)
			}
		}

		if err := saveLogin(cfg.Client.Directory, user); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Logged in as %s (identity %s)\n", RenderPass("✓"), username, user.Identity)
		fmt.Printf("  Sync endpoint: %s\n", user.ServerURL)
		if !user.ExpiresAt.IsZero() {
			fmt.Printf("  Token expires: %s\n", user.ExpiresAt.Local().Format(time.RFC3339))
		}
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "sync",
	Short:   "Forget the saved login",
	Run: func(cmd *cobra.Command, args []string) {
		if err := removeLogin(cfg.Client.Directory); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Logged out\n", RenderPass("✓"))
	},
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// promptPassword reads a password without echo when stdin is a terminal.
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptLine(prompt)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

func init() {
	loginCmd.Flags().String("password", "", "Password (prompted when omitted)")
	loginCmd.Flags().Bool("create", false, "Register the user if it does not exist")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}
