// Command syncd runs a synchronization daemon: it serves the wire
// protocol for inbound peers, runs the auto-sync scheduler for outbound
// peers, and broadcasts sync lifecycle events over WebSocket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/centersync/internal/db"
	"github.com/kimhsiao/centersync/internal/keeper"
	"github.com/kimhsiao/centersync/internal/logging"
	"github.com/kimhsiao/centersync/internal/protocol"
	syncengine "github.com/kimhsiao/centersync/internal/sync"
	"github.com/kimhsiao/centersync/internal/sync/scheduler"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "syncd",
		Short:   "centersync synchronization daemon",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}

	persistent := cmd.PersistentFlags()
	persistent.String("data-dir", "./data", "directory holding the sqlite database")
	persistent.String("namespace", "main", "record-keeping namespace to serve")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", ":8780", "address to serve the sync endpoint on")
	flags.Duration("scan-interval", time.Minute, "how often the auto-sync scheduler scans for due centers")

	viper.BindPFlags(persistent)
	viper.BindPFlags(flags)
	viper.SetEnvPrefix("CENTERSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(newExportCmd(), newImportCmd(), newHistoryCmd())
	return cmd
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func run(ctx context.Context) error {
	logger := logging.New(os.Stdout, viper.GetString("log-level"))
	namespace := viper.GetString("namespace")
	log := logging.ForNamespace(logger, namespace)

	database, err := db.Open(viper.GetString("data-dir"))
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.NewMigrator(database.DB).Migrate(); err != nil {
		return err
	}

	k, err := keeper.New(database.DB, namespace, logger)
	if err != nil {
		return err
	}
	defer k.Close()

	synchronizer := syncengine.New(k, syncengine.NewHTTPRemote(logger), logger)

	hub := NewWSHub(logger)
	synchronizer.SetEventHandler(hub)

	sched := scheduler.New(k, synchronizer, viper.GetDuration("scan-interval"), logger)
	sched.Start()
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.Handle("/sync", protocol.NewHandler(k, synchronizer, logger))
	mux.HandleFunc("/ws", HandleWebSocket(hub))
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(synchronizer.Metrics().Snapshot())
	})

	server := &http.Server{
		Addr:         viper.GetString("listen"),
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("listen", server.Addr).Info("sync endpoint listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
