package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/replica/db"
	"github.com/replicasync/replica/internal/replica/ingest"
)

var ingestCmd = &cobra.Command{
	Use:     "ingest [dir]",
	GroupID: "sync",
	Short:   "Mirror a directory of object files into the replica",
	Long: `Watch a directory of object files and mirror it into the replica.

Each file holds one object and is named {Class}--{id}.json:

  objects/Car--1.json    {"carId": 1, "carYear": "2020", "carOwners": ["7"]}
  objects/Owner--7.json  {"ownerId": 7, "ownerName": "Ann", "ownerYear": "1980"}

On start every file is imported; after that a written file upserts its object
and a removed file deletes it. Changes are debounced and written in batches,
so links between files created together resolve. When logged in, changes are
synced like any other local write.

With --dump the current objects are written to the directory first.

Example usage:
  replica ingest                 # watch ./objects
  replica ingest drop/ --dump`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dump, _ := cmd.Flags().GetBool("dump")
		dir := cfg.Client.Ingest
		if len(args) == 1 {
			dir = args[0]
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		r, err := openReplica(ctx, "replica")
		if err != nil {
			fatalf("failed to open replica: %v", err)
		}
		defer r.Close()

		if dump {
			n, err := dumpObjects(ctx, r.DB(), dir)
			if err != nil {
				r.Close()
				fatalf("failed to dump objects: %v", err)
			}
			fmt.Printf("%s Wrote %d object files to %s\n", RenderPass("✓"), n, dir)
		}

		in, err := ingest.New(r.DB(), dir, &ingest.Config{Logger: logOut.Logger("ingest")})
		if err != nil {
			r.Close()
			fatalf("%v", err)
		}
		if err := in.Start(ctx); err != nil {
			r.Close()
			fatalf("failed to start ingest: %v", err)
		}

		s := in.Stats()
		fmt.Printf("%s Watching %s (%d objects imported, %d errors)\n", RenderAccent("👁"), dir, s.Upserted, s.Errors)
		fmt.Println("Press Ctrl+C to stop...")

		<-ctx.Done()

		if err := in.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", RenderWarn("Warning:"), err)
		}
		s = in.Stats()
		fmt.Printf("\n%s Upserted %d, deleted %d, %d errors\n", RenderPass("✓"), s.Upserted, s.Deleted, s.Errors)
		if err := flushUploads(r, uploadTimeout); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", RenderWarn("Warning:"), err)
		}
	},
}

// dumpObjects writes every object in store to dir as an object file.
func dumpObjects(ctx context.Context, store *db.DB, dir string) (int, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	n := 0
	for _, class := range store.Schema().ClassNames() {
		objs, err := store.Find(ctx, db.Query{Class: class})
		if err != nil {
			return n, err
		}
		for _, o := range objs {
			if err := ingest.WriteObjectFile(dir, store.Schema(), o); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func init() {
	ingestCmd.Flags().String("ingest-dir", "", "Directory to watch (default: objects)")
	ingestCmd.Flags().Bool("dump", false, "Write current objects to the directory before watching")
	rootCmd.AddCommand(ingestCmd)
}
