// vaultctl is a command-line client for vaultd.
//
// Usage:
//
//	vaultctl [global flags] <command> [command flags] [args]
//
// Commands:
//
//	keygen               generate a keypair file
//	address [authority]  print the wallet and vault addresses of an authority
//	initialize           create the wallet and vault of the keypair's authority
//	deposit <lamports>   move lamports from the keypair into a vault
//	withdraw <lamports>  move lamports out of the keypair's vault
//	balance [authority]  print wallet status and vault balance
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/rpc"
	"github.com/fortiblox/x1-vault/pkg/svm"
	"github.com/fortiblox/x1-vault/pkg/svm/native"
	"github.com/fortiblox/x1-vault/pkg/svm/programs/vault"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// errUsage reports a malformed command line.
var errUsage = errors.New("usage")

type command struct {
	usage string
	run   func(ctx context.Context, c *cli, args []string) error
}

var commands = map[string]command{
	"keygen":     {"keygen [-o path] [-force]", runKeygen},
	"address":    {"address [authority]", runAddress},
	"initialize": {"initialize", runInitialize},
	"deposit":    {"deposit [-authority pubkey] <lamports>", runDeposit},
	"withdraw":   {"withdraw [-to pubkey] <lamports>", runWithdraw},
	"balance":    {"balance [authority]", runBalance},
}

// cli holds the global options shared by every command.
type cli struct {
	url         string
	keypairPath string
	programID   types.Pubkey
	timeout     time.Duration
	out         io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "vaultctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("vaultctl", flag.ContinueOnError)
	fs.SetOutput(out)
	url := fs.String("url", "http://127.0.0.1:8899", "vaultd JSON-RPC endpoint")
	keypairPath := fs.String("keypair", defaultKeypairPath(), "Keypair file (JSON array of 64 bytes)")
	program := fs.String("program", types.DefaultVaultProgramAddr.String(), "Vault program id")
	timeout := fs.Duration("timeout", 30*time.Second, "RPC request timeout")
	showVersion := fs.Bool("version", false, "Print version and exit")
	fs.Usage = func() {
		fmt.Fprintln(out, "Usage: vaultctl [flags] <command> [args]")
		fmt.Fprintln(out, "\nCommands:")
		names := make([]string, 0, len(commands))
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %s\n", commands[name].usage)
		}
		fmt.Fprintln(out, "\nFlags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if *showVersion {
		fmt.Fprintf(out, "vaultctl %s (%s)\n", Version, GitCommit)
		return nil
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}
	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		fs.Usage()
		return errors.Wrapf(errUsage, "unknown command %q", fs.Arg(0))
	}

	programID, err := types.PubkeyFromBase58(*program)
	if err != nil {
		return errors.Wrap(err, "invalid -program")
	}

	c := &cli{
		url:         *url,
		keypairPath: *keypairPath,
		programID:   programID,
		timeout:     *timeout,
		out:         out,
	}
	err = cmd.run(ctx, c, fs.Args()[1:])
	if errors.Is(err, errUsage) {
		fmt.Fprintf(out, "Usage: vaultctl %s\n", cmd.usage)
	}
	return err
}

func defaultKeypairPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "id.json"
	}
	return filepath.Join(home, ".config", "x1-vault", "id.json")
}

func (c *cli) client() *rpc.Client {
	return rpc.NewClient(c.url, c.timeout)
}

func (c *cli) keypair() (*types.Keypair, error) {
	kp, err := types.LoadKeypair(c.keypairPath)
	if err != nil {
		return nil, errors.Wrapf(err, "load keypair %s", c.keypairPath)
	}
	return kp, nil
}

// authorityArg returns the optional authority argument, defaulting to the
// keypair's public key.
func (c *cli) authorityArg(fs *flag.FlagSet) (types.Pubkey, error) {
	switch fs.NArg() {
	case 0:
		kp, err := c.keypair()
		if err != nil {
			return types.Pubkey{}, err
		}
		return kp.Pubkey(), nil
	case 1:
		return types.PubkeyFromBase58(fs.Arg(0))
	default:
		return types.Pubkey{}, errUsage
	}
}

// send signs ix with signer, submits it and prints the outcome.
func (c *cli) send(ctx context.Context, signer *types.Keypair, ix native.Instruction) error {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	tx := svm.NewTransaction([]types.Pubkey{signer.Pubkey()}, types.ComputeHash(nonce[:]), ix)
	if err := tx.Sign(signer); err != nil {
		return err
	}

	client := c.client()
	sig, err := client.SendTransaction(ctx, tx, false)
	if err != nil {
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == rpc.SendTransactionPreflightFailure {
			printLogs(c.out, rpcErr.Data)
		}
		return err
	}
	fmt.Fprintf(c.out, "Signature: %s\n", sig)

	rec, err := client.GetTransaction(ctx, sig)
	if err != nil {
		return errors.Wrap(err, "fetch transaction")
	}
	if rec == nil {
		return nil
	}
	fmt.Fprintf(c.out, "Slot: %d\n", rec.Slot)
	for _, line := range rec.Meta.LogMessages {
		fmt.Fprintf(c.out, "  %s\n", line)
	}
	if rec.Meta.Err != nil {
		return errors.Errorf("transaction failed: %v", rec.Meta.Err)
	}
	return nil
}

// printLogs prints the logs of a failed preflight simulation.
func printLogs(out io.Writer, data interface{}) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return
	}
	logs, _ := m["logs"].([]interface{})
	for _, line := range logs {
		fmt.Fprintf(out, "  %v\n", line)
	}
}

func parseLamports(fs *flag.FlagSet) (uint64, error) {
	if fs.NArg() != 1 {
		return 0, errUsage
	}
	amount, err := strconv.ParseUint(fs.Arg(0), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid lamports %q", fs.Arg(0))
	}
	return amount, nil
}

func runKeygen(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(c.out)
	outPath := fs.String("o", c.keypairPath, "Output keypair file")
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if _, err := os.Stat(*outPath); err == nil && !*force {
		return errors.Errorf("%s already exists (use -force to overwrite)", *outPath)
	}
	kp, err := types.NewKeypair(nil)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(*outPath), 0700); err != nil {
		return err
	}
	if err := kp.Save(*outPath); err != nil {
		return errors.Wrapf(err, "write %s", *outPath)
	}
	fmt.Fprintf(c.out, "Wrote %s\nPubkey: %s\n", *outPath, kp.Pubkey())
	return nil
}

func runAddress(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	fs.SetOutput(c.out)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	authority, err := c.authorityArg(fs)
	if err != nil {
		return err
	}

	wallet, walletBump, err := vault.WalletAddress(c.programID, authority)
	if err != nil {
		return err
	}
	vaultAddr, vaultBump, err := vault.VaultAddress(c.programID, authority)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Authority: %s\nWallet: %s (bump %d)\nVault: %s (bump %d)\n",
		authority, wallet, walletBump, vaultAddr, vaultBump)
	return nil
}

func runInitialize(ctx context.Context, c *cli, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	kp, err := c.keypair()
	if err != nil {
		return err
	}
	ix, err := vault.NewInitializeInstruction(c.programID, kp.Pubkey())
	if err != nil {
		return err
	}
	return c.send(ctx, kp, ix)
}

func runDeposit(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("deposit", flag.ContinueOnError)
	fs.SetOutput(c.out)
	authorityStr := fs.String("authority", "", "Vault authority (default: the keypair)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	amount, err := parseLamports(fs)
	if err != nil {
		return err
	}
	kp, err := c.keypair()
	if err != nil {
		return err
	}

	authority := kp.Pubkey()
	if *authorityStr != "" {
		if authority, err = types.PubkeyFromBase58(*authorityStr); err != nil {
			return errors.Wrap(err, "invalid -authority")
		}
	}

	ix, err := vault.NewDepositInstruction(c.programID, authority, kp.Pubkey(), amount)
	if err != nil {
		return err
	}
	return c.send(ctx, kp, ix)
}

func runWithdraw(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("withdraw", flag.ContinueOnError)
	fs.SetOutput(c.out)
	toStr := fs.String("to", "", "Destination account (default: the keypair)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	amount, err := parseLamports(fs)
	if err != nil {
		return err
	}
	kp, err := c.keypair()
	if err != nil {
		return err
	}

	destination := kp.Pubkey()
	if *toStr != "" {
		if destination, err = types.PubkeyFromBase58(*toStr); err != nil {
			return errors.Wrap(err, "invalid -to")
		}
	}

	ix, err := vault.NewWithdrawInstruction(c.programID, kp.Pubkey(), destination, amount)
	if err != nil {
		return err
	}
	return c.send(ctx, kp, ix)
}

func runBalance(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	fs.SetOutput(c.out)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	authority, err := c.authorityArg(fs)
	if err != nil {
		return err
	}

	client := c.client()
	wallet, err := client.GetWallet(ctx, authority)
	if err != nil {
		return err
	}
	lamports, err := client.GetBalance(ctx, authority)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Authority: %s (%d lamports)\n", authority, lamports)
	fmt.Fprintf(c.out, "Wallet: %s initialized=%t\n", wallet.Wallet, wallet.Initialized)
	fmt.Fprintf(c.out, "Vault: %s\n", wallet.Vault)
	fmt.Fprintf(c.out, "Balance: %d lamports (%d held)\n", wallet.Balance, wallet.VaultLamports)
	return nil
}
