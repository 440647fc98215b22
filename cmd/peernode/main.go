// Command peernode runs one node of the distributed file-access mutex
// mesh described by spec.md: it loads a properties file and CLI flags,
// opens its listening socket, dials its configured peers, and keeps the
// process alive until shut down or a fatal peer-network error occurs.
//
// Flag and command wiring follows zot-p2p-webapp's cmd/p2p-webapp/main.go
// cobra rootCmd pattern (package-level flag vars bound in init, RunE doing
// the real work); the actual startup sequence (listen, connect, wire the
// mutex engine) has no teacher analogue and is a direct reading of
// spec.md §6.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/distcodep7/peerlock/config"
	"github.com/distcodep7/peerlock/mutex"
	"github.com/distcodep7/peerlock/peernet"
	"github.com/distcodep7/peerlock/shutdown"
	"github.com/distcodep7/peerlock/tracelog"
	"github.com/distcodep7/peerlock/workerpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	id        int
	port      int
	propsFile string
	tempDir   string
	timeoutMS int
	retryMS   int
	workers   int
	tracePath string
)

var rootCmd = &cobra.Command{
	Use:   "peernode",
	Short: "Run one node of the distributed file-access mutex mesh",
	RunE:  run,
}

func init() {
	rootCmd.Flags().IntVar(&id, "id", 0, "this node's id, 1-255 (required)")
	rootCmd.Flags().IntVar(&port, "port", 0, "local listening port, 1-65535 (required)")
	rootCmd.Flags().StringVar(&propsFile, "props_file", "", "path to the peer properties file (required)")
	rootCmd.Flags().StringVar(&tempDir, "temp_dir", ".proj2_temp", "directory for compound-transfer temp files")
	rootCmd.Flags().IntVar(&timeoutMS, "timeout", 60_000, "per-connection read/write timeout, milliseconds")
	rootCmd.Flags().IntVar(&retryMS, "retry_timeout", 15_000, "dial retry backoff, milliseconds")
	rootCmd.Flags().IntVar(&workers, "workers", workerpool.DefaultWorkers, "worker pool size (ADDED, not part of the wire-visible CLI surface)")
	rootCmd.Flags().StringVar(&tracePath, "trace_file", "", "optional JSONL trace-event output path")
	rootCmd.MarkFlagRequired("id")
	rootCmd.MarkFlagRequired("port")
	rootCmd.MarkFlagRequired("props_file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if id < 1 || id > 255 {
		return fmt.Errorf("peernode: --id must be in 1..255, got %d", id)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("peernode: --port must be in 1..65535, got %d", port)
	}

	props, err := config.Load(propsFile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return fmt.Errorf("peernode: creating temp_dir %s: %w", tempDir, err)
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("peernode: building logger: %w", err)
	}
	defer zapLogger.Sync()
	logger, err := tracelog.New(zapLogger, tracePath)
	if err != nil {
		return fmt.Errorf("peernode: building trace logger: %w", err)
	}
	defer logger.Close()

	selfID := byte(id)
	timeout := time.Duration(timeoutMS) * time.Millisecond
	retryTimeout := time.Duration(retryMS) * time.Millisecond

	locs, err := config.ResolveClients(props.Clients, port)
	if err != nil {
		return err
	}

	token := shutdown.New()
	removeSignalWatch := token.WatchSignals()
	defer removeSignalWatch()

	pool := workerpool.New(workers, workers*4)
	defer pool.Stop()

	manager := peernet.NewManager(len(locs), logger)
	// The manager fires its queued recovered callbacks once, with the
	// terminal error, when it breaks or closes.
	broken := make(chan error, 1)
	manager.OnRecovered(func(err error) { broken <- err })

	acceptor := peernet.NewAcceptor(selfID, props.Password, timeout, manager, logger)
	for _, loc := range locs {
		acceptor.Await(loc)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("peernode: listen on port %d: %w", port, err)
	}
	defer ln.Close()

	go func() {
		if err := acceptor.Serve(ln, token); err != nil {
			logger.Error("peernode: acceptor stopped", zap.Error(err))
		}
	}()

	connector := peernet.NewConnector(selfID, props.Password, timeout, retryTimeout, manager, logger, token)
	connector.Start(locs)

	engine := mutex.NewEngine(selfID, pool, logger)

	startCtx, cancelStart := token.Context()
	defer cancelStart()
	if err := engine.Start(startCtx, manager); err != nil {
		token.Stop()
		return fmt.Errorf("peernode: mutex engine failed to start: %w", err)
	}

	logger.Info("peernode: connected to all peers, ready", zap.Int("peer_count", len(locs)))

	select {
	case <-token.Done():
	case err := <-broken:
		engine.Stop()
		return fmt.Errorf("peernode: peer network failed: %w", err)
	}
	engine.Stop()
	logger.Info("peernode: shutting down")
	return nil
}
