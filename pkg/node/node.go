// Package node provides the orchestrator for a vault ledger node.
//
// The Node ties together all components:
// - AccountsDB (BadgerDB) for ledger account state
// - Transaction log (BoltDB) for executed-transaction history
// - Runtime executing the system and vault programs
// - JSON-RPC server and gRPC health endpoint
//
// The node bootstraps an empty ledger from a snapshot or genesis accounts,
// manages the lifecycle of these components, and writes a snapshot on
// shutdown when configured.
package node

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/accounts"
	"github.com/fortiblox/x1-vault/pkg/rpc"
	"github.com/fortiblox/x1-vault/pkg/svm"
	"github.com/fortiblox/x1-vault/pkg/svm/programs/system"
	"github.com/fortiblox/x1-vault/pkg/svm/programs/vault"
	"github.com/fortiblox/x1-vault/pkg/txlog"
)

// Node errors.
var (
	ErrAlreadyRunning = errors.New("node is already running")
	ErrNotRunning     = errors.New("node is not running")
	ErrConfigInvalid  = errors.New("invalid node configuration")
	ErrInitFailed     = errors.New("node initialization failed")
)

// Config holds node configuration.
type Config struct {
	// DataDir is the root directory for all node data.
	// Subdirectories will be created for accounts and the transaction log.
	DataDir string

	// SnapshotPath is restored into an empty ledger on start and rewritten
	// on Stop. Empty disables snapshots.
	SnapshotPath string

	// Genesis accounts are funded, system-owned, when the ledger is first
	// created and no snapshot was restored.
	Genesis map[types.Pubkey]uint64

	// VaultProgramID is the id the vault program is registered under.
	VaultProgramID types.Pubkey

	// ComputeUnitLimit is the per-transaction compute budget.
	ComputeUnitLimit uint64

	// GCInterval is how often the accounts value log is garbage collected.
	// Zero disables GC.
	GCInterval time.Duration

	// StatusInterval is how often the node logs its status.
	StatusInterval time.Duration

	// RPCAddr is the listen address for the RPC server (default ":8899").
	RPCAddr string

	// RPCLogRequests enables logging of RPC requests.
	RPCLogRequests bool

	// GRPCAddr is the listen address for the gRPC health service. Empty
	// disables it.
	GRPCAddr string

	// Version is reported by getVersion.
	Version string

	// Logger receives node logs. Nil disables logging.
	Logger *zap.Logger

	// OnError is called when a server fails after Start.
	OnError func(err error)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:          "./data",
		VaultProgramID:   types.DefaultVaultProgramAddr,
		ComputeUnitLimit: svm.CUDefault,
		GCInterval:       10 * time.Minute,
		StatusInterval:   30 * time.Second,
		RPCAddr:          ":8899",
		Version:          "dev",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.Wrap(ErrConfigInvalid, "data directory is required")
	}
	if c.RPCAddr == "" {
		return errors.Wrap(ErrConfigInvalid, "rpc address is required")
	}
	if c.VaultProgramID == types.SystemProgramAddr {
		return errors.Wrap(ErrConfigInvalid, "vault program id collides with the system program")
	}
	if c.ComputeUnitLimit == 0 {
		return errors.Wrap(ErrConfigInvalid, "compute unit limit must be positive")
	}
	return nil
}

// Node represents a running vault ledger.
type Node struct {
	config Config
	log    *zap.Logger

	// Core components
	accounts *accounts.BadgerDB
	txs      *txlog.Log
	runtime  *svm.Runtime

	rpcServer  *rpc.Server
	grpcServer *grpc.Server
	health     *health.Server
	grpcLis    net.Listener

	// State management
	running   atomic.Bool
	startTime time.Time
	lastError error
	errMu     sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new node with the given configuration.
// The node is not started until Start() is called.
func New(config *Config) (*Node, error) {
	if config == nil {
		config = &Config{}
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.DataDir == "" {
		config.DataDir = defaults.DataDir
	}
	if config.RPCAddr == "" {
		config.RPCAddr = defaults.RPCAddr
	}
	if config.VaultProgramID.IsZero() {
		config.VaultProgramID = defaults.VaultProgramID
	}
	if config.ComputeUnitLimit == 0 {
		config.ComputeUnitLimit = defaults.ComputeUnitLimit
	}
	if config.StatusInterval <= 0 {
		config.StatusInterval = defaults.StatusInterval
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		config: *config,
		log:    logger.Named("node"),
	}, nil
}

// Start opens storage, bootstraps an empty ledger and starts the servers.
// It returns once everything is listening; the servers run until ctx is
// canceled or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.startTime = time.Now()

	if err := n.initialize(); err != nil {
		n.cancel()
		n.closeStorage()
		n.running.Store(false)
		return errors.Wrap(ErrInitFailed, err.Error())
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.rpcServer.Start(n.ctx); err != nil && n.ctx.Err() == nil {
			n.fail(errors.Wrap(err, "rpc server"))
		}
	}()

	if n.grpcServer != nil {
		n.wg.Add(2)
		go func() {
			defer n.wg.Done()
			<-n.ctx.Done()
			n.health.Shutdown()
			n.grpcServer.GracefulStop()
		}()
		go func() {
			defer n.wg.Done()
			n.log.Info("grpc health server starting", zap.String("addr", n.grpcLis.Addr().String()))
			if err := n.grpcServer.Serve(n.grpcLis); err != nil && n.ctx.Err() == nil {
				n.fail(errors.Wrap(err, "grpc server"))
			}
		}()
	}

	n.wg.Add(1)
	go n.maintenanceLoop()

	return nil
}

// initialize sets up all storage backends and components.
func (n *Node) initialize() error {
	if err := os.MkdirAll(n.config.DataDir, 0755); err != nil {
		return errors.Wrap(err, "create data directory")
	}

	db, err := accounts.NewBadgerDB(accounts.DefaultBadgerDBConfig(filepath.Join(n.config.DataDir, "accounts")))
	if err != nil {
		return errors.Wrap(err, "open accounts")
	}
	n.accounts = db

	txs, err := txlog.Open(txlog.DefaultConfig(filepath.Join(n.config.DataDir, "txlog.db")), n.log)
	if err != nil {
		return errors.Wrap(err, "open transaction log")
	}
	n.txs = txs

	if err := n.bootstrap(); err != nil {
		return err
	}

	rtConfig := svm.DefaultConfig()
	rtConfig.ComputeUnitLimit = n.config.ComputeUnitLimit
	n.runtime = svm.New(db, txs, rtConfig, n.log)
	n.runtime.RegisterProgram(system.ProgramID, "system", system.NewProcessor(), svm.CUSystemProgramDefault)
	n.runtime.RegisterProgram(n.config.VaultProgramID, "vault", vault.NewProcessor(n.config.VaultProgramID), svm.CUVaultProgramDefault)
	if err := n.runtime.InstallProgramAccounts(); err != nil {
		return err
	}

	rpcConfig := rpc.DefaultConfig()
	rpcConfig.Addr = n.config.RPCAddr
	rpcConfig.VaultProgramID = n.config.VaultProgramID
	rpcConfig.Version = n.config.Version
	rpcConfig.LogRequests = n.config.RPCLogRequests
	n.rpcServer = rpc.New(rpcConfig, n.runtime, txs, n.log)

	if n.config.GRPCAddr != "" {
		lis, err := net.Listen("tcp", n.config.GRPCAddr)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", n.config.GRPCAddr)
		}
		n.grpcLis = lis
		n.health = health.NewServer()
		n.grpcServer = grpc.NewServer()
		healthgrpc.RegisterHealthServer(n.grpcServer, n.health)
		n.health.SetServingStatus("", healthgrpc.HealthCheckResponse_SERVING)
	}

	n.log.Info("ledger opened",
		zap.String("data_dir", n.config.DataDir),
		zap.Uint64("slot", db.GetSlot()),
		zap.Stringer("vault_program", n.config.VaultProgramID),
	)
	return nil
}

// bootstrap populates an empty ledger from the snapshot, or from genesis
// when there is no snapshot.
func (n *Node) bootstrap() error {
	count, err := n.accounts.AccountsCount()
	if err != nil {
		return err
	}
	if count > 0 || n.accounts.GetSlot() > 0 {
		return nil
	}

	if n.config.SnapshotPath != "" {
		header, err := accounts.LoadSnapshotFile(n.config.SnapshotPath, n.accounts)
		switch {
		case err == nil:
			n.log.Info("restored snapshot",
				zap.String("path", n.config.SnapshotPath),
				zap.Uint64("slot", header.Slot),
				zap.Uint64("accounts", header.AccountsCount),
				zap.Stringer("hash", header.AccountsHash),
			)
			return nil
		case !errors.Is(err, accounts.ErrSnapshotNotFound):
			return errors.Wrap(err, "restore snapshot")
		}
	}

	entries := make([]accounts.AccountEntry, 0, len(n.config.Genesis))
	var total uint64
	for addr, lamports := range n.config.Genesis {
		entries = append(entries, accounts.AccountEntry{
			Pubkey:  addr,
			Account: &accounts.Account{Lamports: lamports, Owner: types.SystemProgramAddr},
		})
		total += lamports
	}
	if err := n.accounts.Apply(entries); err != nil {
		return errors.Wrap(err, "fund genesis accounts")
	}
	if err := n.accounts.Commit(); err != nil {
		return err
	}
	n.log.Info("funded genesis accounts", zap.Int("accounts", len(entries)), zap.Uint64("lamports", total))
	return nil
}

// maintenanceLoop runs value log GC and logs status periodically.
func (n *Node) maintenanceLoop() {
	defer n.wg.Done()

	status := time.NewTicker(n.config.StatusInterval)
	defer status.Stop()

	var gc <-chan time.Time
	if n.config.GCInterval > 0 {
		t := time.NewTicker(n.config.GCInterval)
		defer t.Stop()
		gc = t.C
	}

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-status.C:
			s := n.Status()
			n.log.Info("status",
				zap.Uint64("slot", s.Slot),
				zap.Uint64("accounts", s.AccountsCount),
				zap.Uint64("transactions", s.TransactionCount),
			)
		case <-gc:
			if err := n.accounts.RunGC(); err != nil {
				n.log.Warn("value log gc failed", zap.Error(err))
			}
		}
	}
}

// Stop gracefully stops the node, writing the configured snapshot before
// closing storage.
func (n *Node) Stop() error {
	if !n.running.Load() {
		return ErrNotRunning
	}

	// Cancel context to stop all goroutines
	n.cancel()
	n.wg.Wait()

	var err error
	if n.config.SnapshotPath != "" {
		header, serr := accounts.SaveSnapshotFile(n.config.SnapshotPath, n.accounts)
		if serr != nil {
			n.log.Error("failed to save snapshot", zap.Error(serr))
			err = errors.Wrap(serr, "save snapshot")
		} else {
			n.log.Info("saved snapshot",
				zap.String("path", n.config.SnapshotPath),
				zap.Uint64("slot", header.Slot),
				zap.Uint64("accounts", header.AccountsCount),
			)
		}
	}

	if cerr := n.closeStorage(); cerr != nil && err == nil {
		err = cerr
	}
	n.running.Store(false)
	return err
}

func (n *Node) closeStorage() error {
	var firstErr error
	if n.txs != nil {
		if err := n.txs.Close(); err != nil {
			firstErr = err
		}
		n.txs = nil
	}
	if n.accounts != nil {
		if err := n.accounts.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		n.accounts = nil
	}
	return firstErr
}

// Status contains the current node status.
type Status struct {
	Slot             uint64
	AccountsCount    uint64
	TransactionCount uint64
	IsRunning        bool
	Uptime           time.Duration
	RPCAddr          string
	LastError        error
}

// Status returns the current node status.
func (n *Node) Status() *Status {
	s := &Status{
		IsRunning: n.running.Load(),
		RPCAddr:   n.config.RPCAddr,
		LastError: n.getLastError(),
	}
	if !n.startTime.IsZero() {
		s.Uptime = time.Since(n.startTime)
	}
	if n.runtime != nil {
		s.Slot = n.runtime.Slot()
	}
	if n.accounts != nil {
		s.AccountsCount, _ = n.accounts.AccountsCount()
	}
	if n.txs != nil {
		s.TransactionCount = n.txs.TransactionCount()
	}
	return s
}

// Runtime returns the transaction runtime. It is nil before Start.
func (n *Node) Runtime() *svm.Runtime {
	return n.runtime
}

// Accounts returns the accounts database. It is nil before Start.
func (n *Node) Accounts() accounts.DB {
	if n.accounts == nil {
		return nil
	}
	return n.accounts
}

// GRPCAddr returns the bound gRPC health address, or "" when disabled.
func (n *Node) GRPCAddr() string {
	if n.grpcLis == nil {
		return ""
	}
	return n.grpcLis.Addr().String()
}

func (n *Node) fail(err error) {
	n.errMu.Lock()
	n.lastError = err
	n.errMu.Unlock()
	n.log.Error("server failed", zap.Error(err))
	if n.config.OnError != nil {
		n.config.OnError(err)
	}
}

func (n *Node) getLastError() error {
	n.errMu.RLock()
	defer n.errMu.RUnlock()
	return n.lastError
}
