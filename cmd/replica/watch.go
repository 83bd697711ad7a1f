package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/replica/journal"
	"github.com/replicasync/replica/internal/replica/notify"
	"github.com/replicasync/replica/internal/replica/schema"
	"github.com/replicasync/replica/internal/replica/sync"
)

var watchCmd = &cobra.Command{
	Use:     "watch [class...]",
	GroupID: "sync",
	Short:   "Open the replica and log every change to its collections",
	Long: `Open the replica, wait for the initial download and log every change.

One listener is registered for the whole replica and one per collection
(default: every class in the schema). Collection listeners log the deletion,
insertion and change ranges of each change set, so inverse relationships show
up on both sides: adding an owner to a car changes the car and the owner.

Example usage:
  replica watch                    # all collections of ~/cars
  replica watch Car Owner --sort carId
  replica watch --path /<identity>/fleet`,
	Run: func(cmd *cobra.Command, args []string) {
		sortBy, _ := cmd.Flags().GetString("sort")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := logOut.Logger("watch")
		r, err := openReplica(ctx, "replica")
		if err != nil {
			fatalf("failed to open replica: %v", err)
		}
		defer r.Close()

		classes := args
		if len(classes) == 0 {
			classes = r.DB().Schema().ClassNames()
		}
		for _, class := range classes {
			if _, ok := r.DB().Schema().Class(class); !ok {
				r.Close()
				fatalf("unknown class %q", class)
			}
		}

		if sess := r.Session(); sess != nil {
			sess.AddStateListener(func(old, new sync.State) {
				logger.Printf("Session %s -> %s", old, new)
			})
			for _, dir := range []sync.Direction{sync.DirectionUpload, sync.DirectionDownload} {
				sess.AddProgressListener(dir, func(p sync.Progress) {
					if p.Complete() {
						logger.Printf("%s complete at %d", p.Direction, p.Transferred)
					}
				})
			}
		}

		r.AddChangeListener(func(e *journal.Entry) {
			logger.Printf("Replica changed: version %d (%s) %s", e.Version, e.Origin, summarizeChanges(e.Changes))
		})

		for _, class := range classes {
			q := r.Where(class)
			c, _ := r.DB().Schema().Class(class)
			if _, has := c.Property(sortBy); sortBy != "" && has {
				q = q.Sort(sortBy, false)
			}
			results := q.FindAll()
			results.AddChangeListener(collectionListener(logger, class))
		}

		where := "local only"
		if c := r.Configuration(); c.Synced() {
			where = c.ServerURL + " " + c.Path
		}
		fmt.Printf("%s Watching %s (%s)\n", RenderAccent("👁"), describeClasses(r.DB().Schema(), classes), where)
		fmt.Println("Press Ctrl+C to stop...")

		<-ctx.Done()
		fmt.Println()
	},
}

// collectionListener logs change sets the way they are delivered: the
// initial contents once, then index ranges per update.
func collectionListener(logger *log.Logger, class string) notify.ChangeListener {
	return func(res *notify.Results, cs *notify.CollectionChangeSet) {
		switch cs.State {
		case notify.StateInitial:
			logger.Printf("%s: initial, %d objects", class, res.Len())
		case notify.StateUpdate:
			logger.Printf("%s: %d objects, deletions %s, insertions %s, changes %s",
				class, res.Len(),
				formatRanges(cs.DeletionRanges()),
				formatRanges(cs.InsertionRanges()),
				formatRanges(cs.ChangeRanges()))
		case notify.StateError:
			logger.Printf("%s: error: %v", class, cs.Err)
		}
	}
}

// describeClasses lists classes, marking those whose collections also change
// through an inverse relationship.
func describeClasses(s *schema.Schema, classes []string) string {
	parts := make([]string, len(classes))
	for i, class := range classes {
		parts[i] = class
		if s.HasInverses(class) {
			parts[i] += " (inverse)"
		}
	}
	return strings.Join(parts, ", ")
}

// formatRanges renders ranges as "[0+3 7+1]" (start index + length).
func formatRanges(ranges []notify.Range) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = fmt.Sprintf("%d+%d", r.StartIndex, r.Length)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// summarizeChanges renders per-class counts, e.g. "Car(+2 ~1) Owner(~1)".
func summarizeChanges(changes journal.Changes) string {
	classes := changes.Classes()
	if len(classes) == 0 {
		return "no changes"
	}
	parts := make([]string, 0, len(classes))
	for _, class := range classes {
		cc := changes[class]
		var counts []string
		if n := len(cc.Insertions); n > 0 {
			counts = append(counts, fmt.Sprintf("+%d", n))
		}
		if n := len(cc.Deletions); n > 0 {
			counts = append(counts, fmt.Sprintf("-%d", n))
		}
		if n := len(cc.Modifications); n > 0 {
			counts = append(counts, fmt.Sprintf("~%d", n))
		}
		parts = append(parts, class+"("+strings.Join(counts, " ")+")")
	}
	return strings.Join(parts, " ")
}

func init() {
	watchCmd.Flags().String("sort", "", "Sort collections by this property where the class has it")
	rootCmd.AddCommand(watchCmd)
}
