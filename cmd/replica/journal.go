package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/replica/journal"
)

var journalCmd = &cobra.Command{
	Use:     "journal",
	GroupID: "data",
	Short:   "Show committed transactions of the local replica",
	Long: `Show the local change journal, oldest first.

Every committed transaction is listed with its origin (local or remote), the
number of replayable instructions and the objects it changed per class,
including objects changed only through an inverse relationship.

--since accepts RFC 3339 times, durations ("90m") and natural language
("2 hours ago", "yesterday", "last monday").

Example usage:
  replica journal --limit 20
  replica journal --since "1 hour ago"
  replica journal --origin remote --after 120 --json`,
	Run: func(cmd *cobra.Command, args []string) {
		sinceArg, _ := cmd.Flags().GetString("since")
		after, _ := cmd.Flags().GetInt64("after")
		origin, _ := cmd.Flags().GetString("origin")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		if origin != "" && origin != string(journal.OriginLocal) && origin != string(journal.OriginRemote) {
			fatalf("--origin must be %q or %q", journal.OriginLocal, journal.OriginRemote)
		}

		store, err := openStore()
		if err != nil {
			fatalf("failed to open replica: %v", err)
		}
		defer store.Close()

		ctx := context.Background()
		var entries []*journal.Entry
		if sinceArg != "" {
			since, err := parseSince(sinceArg, time.Now())
			if err != nil {
				store.Close()
				fatalf("%v", err)
			}
			entries, err = store.EntriesBetween(ctx, since, time.Time{}, limit)
			if err != nil {
				store.Close()
				fatalf("%v", err)
			}
			entries = filterOrigin(entries, journal.Origin(origin))
		} else {
			entries, err = store.EntriesSince(ctx, after, journal.Origin(origin), limit)
			if err != nil {
				store.Close()
				fatalf("%v", err)
			}
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			for _, e := range entries {
				_ = enc.Encode(e)
			}
			return
		}
		if len(entries) == 0 {
			fmt.Println(RenderMuted("No journal entries"))
			return
		}

		rows := make([][]string, len(entries))
		for i, e := range entries {
			src := RenderAccent(string(e.Origin))
			if e.Origin == journal.OriginRemote {
				src = RenderPass(string(e.Origin))
			}
			server := "-"
			if e.Changeset.ServerVersion > 0 {
				server = strconv.FormatInt(e.Changeset.ServerVersion, 10)
			}
			rows[i] = []string{
				strconv.FormatInt(e.Version, 10),
				e.CommittedAt.Local().Format(time.DateTime),
				src,
				server,
				strconv.Itoa(len(e.Changeset.Instructions)),
				summarizeChanges(e.Changes),
			}
		}
		fmt.Print(renderTable([]string{"VERSION", "COMMITTED", "ORIGIN", "SERVER", "OPS", "CHANGES"}, rows))
	},
}

var naturalTime = newNaturalTimeParser()

func newNaturalTimeParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// parseSince resolves a --since value relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, now.Location()); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}

	r, err := naturalTime.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return r.Time, nil
}

func filterOrigin(entries []*journal.Entry, origin journal.Origin) []*journal.Entry {
	if origin == "" {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Origin == origin {
			out = append(out, e)
		}
	}
	return out
}

func init() {
	journalCmd.Flags().String("since", "", "Only entries committed at or after this time")
	journalCmd.Flags().Int64("after", 0, "Only entries after this journal version")
	journalCmd.Flags().String("origin", "", "Only local or remote entries")
	journalCmd.Flags().Int("limit", 100, "Maximum number of entries")
	journalCmd.Flags().Bool("json", false, "Print one JSON entry per line")
	rootCmd.AddCommand(journalCmd)
}
