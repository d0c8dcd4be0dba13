package node

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/accounts"
	"github.com/fortiblox/x1-vault/pkg/rpc"
)

var (
	alice = types.MustPubkeyFromBase58("Test111111111111111111111111111111111111111")
	bob   = types.MustPubkeyFromBase58("Copy111111111111111111111111111111111111111")
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, ":8899", cfg.RPCAddr)
	assert.Equal(t, types.DefaultVaultProgramAddr, cfg.VaultProgramID)
	assert.NotZero(t, cfg.ComputeUnitLimit)
	assert.Empty(t, cfg.GRPCAddr)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"missing data dir", func(c *Config) { c.DataDir = "" }, true},
		{"missing rpc addr", func(c *Config) { c.RPCAddr = "" }, true},
		{"system program id", func(c *Config) { c.VaultProgramID = types.SystemProgramAddr }, true},
		{"zero compute budget", func(c *Config) { c.ComputeUnitLimit = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfigInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewNodeAppliesDefaults(t *testing.T) {
	n, err := New(&Config{})
	require.NoError(t, err)
	assert.Equal(t, "./data", n.config.DataDir)
	assert.Equal(t, types.DefaultVaultProgramAddr, n.config.VaultProgramID)

	_, err = New(&Config{ComputeUnitLimit: 1, RPCAddr: ":0", DataDir: "x", VaultProgramID: types.DefaultVaultProgramAddr})
	assert.NoError(t, err)
}

func TestNodeNotRunningErrors(t *testing.T) {
	n, err := New(nil)
	require.NoError(t, err)

	assert.ErrorIs(t, n.Stop(), ErrNotRunning)
	status := n.Status()
	assert.False(t, status.IsRunning)
	assert.Zero(t, status.Uptime)
	assert.Nil(t, n.Runtime())
	assert.Nil(t, n.Accounts())
}

// freeAddr returns a loopback address nothing is listening on.
func freeAddr(t *testing.T) string {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func testConfig(t *testing.T, dataDir string) *Config {
	cfg := DefaultConfig()
	cfg.DataDir = dataDir
	cfg.RPCAddr = freeAddr(t)
	cfg.Genesis = map[types.Pubkey]uint64{alice: 1000, bob: 2000}
	cfg.Logger = zaptest.NewLogger(t)
	return &cfg
}

func startNode(t *testing.T, cfg *Config) *Node {
	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	return n
}

func balance(t *testing.T, n *Node, addr types.Pubkey) uint64 {
	acc, err := n.Accounts().GetAccount(addr)
	if err == accounts.ErrAccountNotFound {
		return 0
	}
	require.NoError(t, err)
	return acc.Lamports
}

func TestStartFundsGenesisOnce(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	n := startNode(t, cfg)

	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyRunning)
	assert.Equal(t, uint64(1000), balance(t, n, alice))
	assert.Equal(t, uint64(2000), balance(t, n, bob))

	program, err := n.Accounts().GetAccount(cfg.VaultProgramID)
	require.NoError(t, err)
	assert.True(t, program.Executable)

	status := n.Status()
	assert.True(t, status.IsRunning)
	assert.Equal(t, uint64(4), status.AccountsCount)

	// Spend some of alice's balance directly, then restart.
	db := n.Accounts()
	require.NoError(t, db.SetAccount(alice, &accounts.Account{Lamports: 1, Owner: types.SystemProgramAddr}))
	require.NoError(t, db.Commit())
	require.NoError(t, n.Stop())

	n = startNode(t, cfg)
	defer n.Stop()
	assert.Equal(t, uint64(1), balance(t, n, alice), "genesis must not be reapplied")
}

func TestStopSavesSnapshot(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "ledger.snap")

	cfg := testConfig(t, t.TempDir())
	cfg.SnapshotPath = snapshotPath
	n := startNode(t, cfg)
	want, err := accounts.ComputeAccountsHash(n.Accounts())
	require.NoError(t, err)
	require.NoError(t, n.Stop())
	require.FileExists(t, snapshotPath)

	// A fresh data directory restores the snapshot instead of using genesis.
	restored := testConfig(t, t.TempDir())
	restored.SnapshotPath = snapshotPath
	restored.Genesis = nil
	n = startNode(t, restored)
	defer n.Stop()

	got, err := accounts.ComputeAccountsHash(n.Accounts())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(2000), balance(t, n, bob))
}

func TestServesRPCAndHealth(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.GRPCAddr = "127.0.0.1:0"
	n := startNode(t, cfg)
	defer n.Stop()

	client := rpc.NewClient("http://"+cfg.RPCAddr, time.Second)
	require.Eventually(t, func() bool {
		var result string
		return client.Call(context.Background(), "getHealth", nil, &result) == nil && result == "ok"
	}, 5*time.Second, 20*time.Millisecond)

	got, err := client.GetBalance(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), got)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, n.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	resp, err := healthgrpc.NewHealthClient(conn).Check(ctx, &healthgrpc.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthgrpc.HealthCheckResponse_SERVING, resp.Status)
}

func TestStartFailsOnBadDataDir(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, filepath.Join(dir, "file"))
	require.NoError(t, os.WriteFile(cfg.DataDir, []byte("x"), 0644))

	n, err := New(cfg)
	require.NoError(t, err)
	assert.ErrorIs(t, n.Start(context.Background()), ErrInitFailed)
	assert.False(t, n.Status().IsRunning)
}
