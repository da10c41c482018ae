// Command statecoin is the CLI frontend for the statecoin wallet client:
// one subcommand per client.Client method, dispatched through
// jessevdk/go-flags the way lnd's daemon binaries parse their flags.
package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
)

// globalOptions are shared by every subcommand: where the wallet database
// and seed live, and which statechain entity / chain indexer to talk to.
type globalOptions struct {
	Network     string `long:"network" description:"mainnet, testnet, regtest or simnet" default:"regtest"`
	DBPath      string `long:"db" description:"path to the wallet sqlite database" default:"statecoin.db"`
	SeedPath    string `long:"seed-file" description:"path to the wallet's seed file" default:"statecoin.seed"`
	SEBaseURL   string `long:"se-url" description:"statechain entity base URL" required:"true"`
	MempoolURL  string `long:"mempool-url" description:"mempool.space-compatible indexer base URL"`
	LogLevel    string `long:"log-level" description:"debug, info, warn or error (accepted but not applied: component loggers log at info)" default:"info"`
}

var opts globalOptions

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.CommandHandler = runCommand

	registerCommands(parser)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// runCommand wraps go-flags' command dispatch so every subcommand's error
// passes through exitCodeFor before the process exits, instead of go-flags'
// default blanket exit(1).
func runCommand(cmd flags.Commander, cmdArgs []string) error {
	if cmd == nil {
		return nil
	}
	if err := cmd.Execute(cmdArgs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
	return nil
}
