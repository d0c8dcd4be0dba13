// vaultd runs a single-node vault ledger.
//
// It keeps ledger accounts in BadgerDB and the executed-transaction log in
// BoltDB, executes transactions against the system and vault programs, and
// serves a Solana-style JSON-RPC API plus a gRPC health endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/fortiblox/x1-vault/pkg/node"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags. Flags that are set override the config file.
var (
	configPath  = flag.String("config", "", "Path to YAML config file")
	dataDir     = flag.String("data-dir", "", "Data directory for accounts and transaction log")
	rpcAddr     = flag.String("rpc-addr", "", "JSON-RPC server listen address")
	grpcAddr    = flag.String("grpc-addr", "", "gRPC health server listen address (empty disables)")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
	snapshot    = flag.String("snapshot", "", "Snapshot file restored on first start and written on shutdown")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("vaultd %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultd: %v\n", err)
		os.Exit(1)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "vaultd: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultd: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting vaultd", zap.String("version", Version), zap.String("commit", GitCommit))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeConfig, err := cfg.NodeConfig(logger)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	failed := make(chan error, 1)
	nodeConfig.OnError = func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	n, err := node.New(nodeConfig)
	if err != nil {
		logger.Fatal("failed to create node", zap.Error(err))
	}
	if err := n.Start(ctx); err != nil {
		logger.Fatal("failed to start node", zap.Error(err))
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-failed:
	}

	if err := n.Stop(); err != nil {
		logger.Error("failed to stop node", zap.Error(err))
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
	logger.Info("vaultd stopped")
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(cfg *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.DataDir = *dataDir
		case "rpc-addr":
			cfg.RPCAddr = *rpcAddr
		case "grpc-addr":
			cfg.GRPCAddr = *grpcAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "snapshot":
			cfg.Snapshot = *snapshot
		}
	})
}

// newLogger builds a production logger, or a development one at debug level.
func newLogger(level string) (*zap.Logger, error) {
	atom, err := zap.ParseAtomicLevel(strings.ToLower(level))
	if err != nil {
		return nil, err
	}

	config := zap.NewProductionConfig()
	if atom.Level() == zap.DebugLevel {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = atom
	return config.Build()
}
