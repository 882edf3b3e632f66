// Command ledgerctl is the operator CLI for the settlement ledger. It talks
// to the ledger store directly using the service configuration.
//
// Usage:
//
//	ledgerctl [-config file] <command> [options]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fintt/settlement-engine/internal/app"
	"github.com/fintt/settlement-engine/internal/auth"
	"github.com/fintt/settlement-engine/internal/config"
	"github.com/fintt/settlement-engine/internal/export"
	"github.com/fintt/settlement-engine/internal/logging"
)

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: ledgerctl [-config file] <command> [options]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  reconcile  -account A              Replay the ledger and compare with stored balances\n")
	fmt.Fprintf(w, "  export     -account A -out F       Write the account ledger to a Parquet file\n")
	fmt.Fprintf(w, "  deposit    -account A -amount X    Credit the account wallet\n")
	fmt.Fprintf(w, "  withdraw   -account A -amount X    Debit the account wallet\n")
	fmt.Fprintf(w, "  quote      SYMBOL                  Fetch a quote through the gateway\n")
	fmt.Fprintf(w, "  token      -subject A [-ttl 1h]    Issue a bearer token (needs JWT_SECRET)\n")
	fmt.Fprintf(w, "\n")
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("ledgerctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { usage(stderr) }
	configPath := global.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() < 1 {
		usage(stderr)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "ledgerctl: %v\n", err)
		return 1
	}
	// Operators read stdout; keep logs on stderr and quiet by default.
	cfg.Logging.Format = "console"
	if cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	logger, syncLogger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "ledgerctl: %v\n", err)
		return 1
	}
	defer syncLogger()

	cmd, cmdArgs := global.Arg(0), global.Args()[1:]
	if cmd == "token" {
		err = runToken(cfg, cmdArgs, stdout, stderr)
	} else {
		err = withApp(ctx, cfg, logger, func(a *app.App) error {
			switch cmd {
			case "reconcile":
				return runReconcile(ctx, a, cmdArgs, stdout, stderr)
			case "export":
				return runExport(ctx, a, cmdArgs, stdout, stderr)
			case "deposit":
				return runAdjust(ctx, a, cmd, cmdArgs, stdout, stderr)
			case "withdraw":
				return runAdjust(ctx, a, cmd, cmdArgs, stdout, stderr)
			case "quote":
				return runQuote(ctx, a, cmdArgs, stdout)
			default:
				usage(stderr)
				return errors.Errorf("unknown command: %s", cmd)
			}
		})
	}

	var exit exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exit):
		return int(exit)
	default:
		fmt.Fprintf(stderr, "ledgerctl %s: %v\n", cmd, err)
		return 1
	}
}

// exitError carries a non-zero exit status without an error message.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func withApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, fn func(*app.App) error) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func requireAccount(fs *flag.FlagSet, account string) error {
	if account == "" {
		fs.Usage()
		return errors.New("-account is required")
	}
	return nil
}

func runReconcile(ctx context.Context, a *app.App, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("reconcile", stderr)
	account := fs.String("account", "", "account id")
	if err := fs.Parse(args); err != nil {
		return exitError(2)
	}
	if err := requireAccount(fs, *account); err != nil {
		return err
	}

	report, err := a.Engine.Reconcile(ctx, *account)
	if err != nil {
		return err
	}
	if err := printJSON(stdout, report); err != nil {
		return err
	}
	if !report.OK {
		return exitError(3)
	}
	return nil
}

func runExport(ctx context.Context, a *app.App, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("export", stderr)
	account := fs.String("account", "", "account id")
	out := fs.String("out", "", "output Parquet file (default <account>.parquet)")
	if err := fs.Parse(args); err != nil {
		return exitError(2)
	}
	if err := requireAccount(fs, *account); err != nil {
		return err
	}
	if *out == "" {
		*out = *account + ".parquet"
	}

	entries, err := a.Engine.ListLedgerEntries(ctx, *account)
	if err != nil {
		return err
	}
	n, err := export.WriteFile(*out, entries)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %d entries to %s\n", n, *out)
	return nil
}

func runAdjust(ctx context.Context, a *app.App, cmd string, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet(cmd, stderr)
	account := fs.String("account", "", "account id")
	amount := fs.String("amount", "", "decimal amount")
	if err := fs.Parse(args); err != nil {
		return exitError(2)
	}
	if err := requireAccount(fs, *account); err != nil {
		return err
	}
	value, err := decimal.NewFromString(*amount)
	if err != nil {
		return errors.Wrapf(err, "invalid -amount %q", *amount)
	}

	op := a.Engine.Deposit
	if cmd == "withdraw" {
		op = a.Engine.Withdraw
	}
	entry, err := op(ctx, *account, value)
	if err != nil {
		return err
	}
	return printJSON(stdout, entry)
}

func runQuote(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: ledgerctl quote SYMBOL")
	}
	q, err := a.Engine.Quote(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(stdout, q)
}

func runToken(cfg *config.Config, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("token", stderr)
	subject := fs.String("subject", "", "account id the token grants access to")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return exitError(2)
	}
	if *subject == "" {
		fs.Usage()
		return errors.New("-subject is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (JWT_SECRET) is not configured")
	}

	token, err := auth.Issue(cfg.Auth.JWTSecret, *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "encode output")
}
