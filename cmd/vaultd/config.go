package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/node"
	"github.com/fortiblox/x1-vault/pkg/svm"
)

// Config is the daemon configuration file.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	RPCAddr  string `yaml:"rpc_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	LogLevel string `yaml:"log_level"`

	// Snapshot is restored into an empty ledger on start and rewritten on
	// shutdown. Empty disables snapshots.
	Snapshot string `yaml:"snapshot"`

	ComputeUnitLimit uint64        `yaml:"compute_unit_limit"`
	VaultProgramID   string        `yaml:"vault_program_id"`
	GCInterval       time.Duration `yaml:"gc_interval"`
	LogRequests      bool          `yaml:"log_requests"`

	// Genesis accounts are funded when the ledger is first created.
	Genesis []GenesisAccount `yaml:"genesis"`
}

// GenesisAccount is a system-owned account funded at genesis.
type GenesisAccount struct {
	Address  string `yaml:"address"`
	Lamports uint64 `yaml:"lamports"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		DataDir:          "./vault-data",
		RPCAddr:          ":8899",
		GRPCAddr:         ":8900",
		LogLevel:         "info",
		ComputeUnitLimit: svm.CUDefault,
		VaultProgramID:   types.DefaultVaultProgramAddr.String(),
		GCInterval:       10 * time.Minute,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrap(err, "open config")
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "decode config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks addresses and limits.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.RPCAddr == "" {
		return errors.New("rpc_addr is required")
	}
	if _, err := c.ProgramID(); err != nil {
		return err
	}
	if c.ComputeUnitLimit == 0 {
		return errors.New("compute_unit_limit must be positive")
	}
	if _, err := c.GenesisAccounts(); err != nil {
		return err
	}
	return nil
}

// ProgramID parses VaultProgramID.
func (c *Config) ProgramID() (types.Pubkey, error) {
	id, err := types.PubkeyFromBase58(c.VaultProgramID)
	if err != nil {
		return types.Pubkey{}, errors.Wrapf(err, "vault_program_id %q", c.VaultProgramID)
	}
	return id, nil
}

// GenesisAccounts parses the genesis entries, rejecting duplicates.
func (c *Config) GenesisAccounts() (map[types.Pubkey]uint64, error) {
	out := make(map[types.Pubkey]uint64, len(c.Genesis))
	for i, g := range c.Genesis {
		addr, err := types.PubkeyFromBase58(g.Address)
		if err != nil {
			return nil, errors.Wrapf(err, "genesis[%d] address %q", i, g.Address)
		}
		if _, dup := out[addr]; dup {
			return nil, errors.Errorf("genesis[%d]: duplicate address %s", i, addr)
		}
		out[addr] = g.Lamports
	}
	return out, nil
}

// NodeConfig converts the file configuration into a node configuration.
func (c *Config) NodeConfig(logger *zap.Logger) (*node.Config, error) {
	programID, err := c.ProgramID()
	if err != nil {
		return nil, err
	}
	genesis, err := c.GenesisAccounts()
	if err != nil {
		return nil, err
	}

	nc := node.DefaultConfig()
	nc.DataDir = c.DataDir
	nc.SnapshotPath = c.Snapshot
	nc.Genesis = genesis
	nc.VaultProgramID = programID
	nc.ComputeUnitLimit = c.ComputeUnitLimit
	nc.GCInterval = c.GCInterval
	nc.RPCAddr = c.RPCAddr
	nc.RPCLogRequests = c.LogRequests
	nc.GRPCAddr = c.GRPCAddr
	nc.Version = Version
	nc.Logger = logger
	return &nc, nil
}
