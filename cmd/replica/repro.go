package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/replica/loadtest"
	"github.com/replicasync/replica/internal/replica/metrics"
)

var reproCmd = &cobra.Command{
	Use:     "repro",
	GroupID: "sync",
	Short:   "Check that sync keeps propagating with listeners on linked collections",
	Long: `Run an in-process sync load test.

A server and two replicas are started in a temporary directory. The reader
registers change listeners on Car, Owner and Manufacture, where Car.carOwners
and Owner.ownerCars form an inverse relationship. The writer adds cars linked
to shared owners in batches, and each batch must become visible to the
reader's listeners (cars and owner links both) within --stall-timeout.

The command fails if propagation stalls; otherwise it reports per-batch
write-to-listener latency.

Example usage:
  replica repro
  replica repro --cars 2000 --batch 100 --owners 10
  replica repro --metrics-addr :9100   # expose metrics while running`,
	Run: func(cmd *cobra.Command, args []string) {
		cars, _ := cmd.Flags().GetInt("cars")
		batch, _ := cmd.Flags().GetInt("batch")
		owners, _ := cmd.Flags().GetInt("owners")
		stall, _ := cmd.Flags().GetDuration("stall-timeout")
		keep, _ := cmd.Flags().GetString("keep-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := metrics.New()
		if metricsAddr != "" {
			srv := &http.Server{Addr: metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "%s metrics server: %v\n", RenderWarn("Warning:"), err)
				}
			}()
			defer srv.Close()
			fmt.Printf("Metrics at http://%s/\n", metricsAddr)
		}

		fmt.Printf("%s Writing %d cars in batches of %d across %d owners...\n", RenderAccent("▶"), cars, batch, owners)
		result, err := loadtest.Run(ctx, &loadtest.Config{
			Cars:         cars,
			BatchSize:    batch,
			Owners:       owners,
			StallTimeout: stall,
			Dir:          keep,
			Logger:       logOut.Logger("loadtest"),
			Metrics:      m,
		})
		if err != nil {
			if errors.Is(err, loadtest.ErrStalled) {
				fatalf("%v\nListeners stopped receiving changes: the reproduction failed", err)
			}
			fatalf("%v", err)
		}

		fmt.Printf("\n%s %d cars in %d batches, all visible to the reader (%v)\n\n",
			RenderPass("✓"), result.Cars, result.Batches, result.Elapsed.Round(time.Millisecond))
		result.Latency.PrintStats(os.Stdout)

		classes := make([]string, 0, len(result.Notifications))
		for class := range result.Notifications {
			classes = append(classes, class)
		}
		sort.Strings(classes)
		fmt.Println("\nListener updates:")
		for _, class := range classes {
			fmt.Printf("  %-12s %d\n", class, result.Notifications[class])
		}
	},
}

func init() {
	d := loadtest.DefaultConfig()
	reproCmd.Flags().Int("cars", d.Cars, "Total cars to write")
	reproCmd.Flags().Int("batch", d.BatchSize, "Cars per write transaction")
	reproCmd.Flags().Int("owners", d.Owners, "Shared owners the cars link to")
	reproCmd.Flags().Duration("stall-timeout", d.StallTimeout, "Maximum wait for one batch to become visible")
	reproCmd.Flags().String("keep-dir", "", "Keep databases in this directory instead of a temp dir")
	reproCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
	rootCmd.AddCommand(reproCmd)
}
