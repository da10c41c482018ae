package main

import (
	"context"
	"fmt"
	"strconv"

	flags "github.com/jessevdk/go-flags"

	"github.com/statecoin/walletd/client"
)

func registerCommands(parser *flags.Parser) {
	parser.AddCommand("create-wallet", "Create a new wallet", "Create a new, empty wallet under the given name.", &createWalletCommand{})
	parser.AddCommand("new-deposit-address", "Mint a deposit address", "Derive a fresh coin and its funding address for a new deposit.", &newDepositAddressCommand{})
	parser.AddCommand("new-transfer-address", "Mint a transfer address", "Derive a fresh key pair a sender can transfer a coin to.", &newTransferAddressCommand{})
	parser.AddCommand("transfer-send", "Send a coin", "Blind co-sign a new backup and hand a coin off to a transfer address.", &transferSendCommand{})
	parser.AddCommand("transfer-receive", "Poll for incoming transfers", "Drain the mailbox for every auth key in the wallet.", &transferReceiveCommand{})
	parser.AddCommand("withdraw", "Withdraw a coin on-chain", "Co-sign a backup paying out to an address and broadcast it with a CPFP bump.", &withdrawCommand{})
	parser.AddCommand("broadcast-backup", "Force-broadcast the last backup", "Rebroadcast the newest signed backup on file and CPFP-bump its fee.", &broadcastBackupCommand{})
}

// newClient builds and starts a Client from the global flags, loading or
// minting the wallet seed as needed. Callers must Stop it when done.
func newClient() (*client.Client, error) {
	seed, err := loadOrCreateSeed(opts.SeedPath)
	if err != nil {
		return nil, err
	}

	cfg := &client.Config{
		Network:        opts.Network,
		DBPath:         opts.DBPath,
		Seed:           seed,
		SEBaseURL:      opts.SEBaseURL,
		MempoolBaseURL: opts.MempoolURL,
	}

	c, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		return nil, err
	}
	return c, nil
}

type createWalletCommand struct {
	Positional struct {
		Name string `positional-arg-name:"wallet" required:"true"`
	} `positional-args:"yes"`
}

func (cmd *createWalletCommand) Execute(_ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Stop()

	return c.CreateWallet(context.Background(), cmd.Positional.Name)
}

type newDepositAddressCommand struct {
	Positional struct {
		Wallet  string `positional-arg-name:"wallet" required:"true"`
		TokenID string `positional-arg-name:"token_id"`
		Amount  string `positional-arg-name:"amount" required:"true"`
	} `positional-args:"yes"`
}

func (cmd *newDepositAddressCommand) Execute(_ []string) error {
	amount, err := strconv.ParseInt(cmd.Positional.Amount, 10, 64)
	if err != nil {
		return fmt.Errorf("amount must be an integer number of sats: %w", err)
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Stop()

	address, statechainID, err := c.NewDepositAddress(context.Background(), cmd.Positional.Wallet, cmd.Positional.TokenID, amount)
	if err != nil {
		return err
	}
	fmt.Printf("address: %s\nstatechain_id: %s\n", address, statechainID)
	return nil
}

type newTransferAddressCommand struct {
	Positional struct {
		Wallet string `positional-arg-name:"wallet" required:"true"`
	} `positional-args:"yes"`
}

func (cmd *newTransferAddressCommand) Execute(_ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Stop()

	address, err := c.NewTransferAddress(context.Background(), cmd.Positional.Wallet)
	if err != nil {
		return err
	}
	fmt.Println(address)
	return nil
}

type transferSendCommand struct {
	Positional struct {
		Wallet       string `positional-arg-name:"wallet" required:"true"`
		StatechainID string `positional-arg-name:"statechain_id" required:"true"`
		ToAddress    string `positional-arg-name:"to_address" required:"true"`
	} `positional-args:"yes"`
}

func (cmd *transferSendCommand) Execute(_ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Stop()

	return c.TransferSend(context.Background(), cmd.Positional.Wallet, cmd.Positional.StatechainID, cmd.Positional.ToAddress)
}

type transferReceiveCommand struct {
	Positional struct {
		Wallet string `positional-arg-name:"wallet" required:"true"`
	} `positional-args:"yes"`
}

func (cmd *transferReceiveCommand) Execute(_ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Stop()

	result, err := c.TransferReceive(context.Background(), cmd.Positional.Wallet)
	if err != nil {
		return err
	}
	fmt.Printf("received: %d  batch_locked: %d  decrypt_failures: %d\n",
		len(result.Received), len(result.BatchLocked), result.DecryptFailures)
	return nil
}

type withdrawCommand struct {
	FeeRate    uint64 `long:"fee-rate" description:"target package fee rate in sats/vbyte; 0 uses an indexer estimate"`
	Positional struct {
		Wallet       string `positional-arg-name:"wallet" required:"true"`
		StatechainID string `positional-arg-name:"statechain_id" required:"true"`
		ToAddress    string `positional-arg-name:"to_address" required:"true"`
	} `positional-args:"yes"`
}

func (cmd *withdrawCommand) Execute(_ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Stop()

	return c.Withdraw(context.Background(), cmd.Positional.Wallet, cmd.Positional.StatechainID, cmd.Positional.ToAddress, cmd.FeeRate)
}

type broadcastBackupCommand struct {
	FeeRate    uint64 `long:"fee-rate" description:"target package fee rate in sats/vbyte; 0 uses an indexer estimate"`
	Positional struct {
		Wallet       string `positional-arg-name:"wallet" required:"true"`
		StatechainID string `positional-arg-name:"statechain_id" required:"true"`
		ToAddress    string `positional-arg-name:"to_address" required:"true"`
	} `positional-args:"yes"`
}

func (cmd *broadcastBackupCommand) Execute(_ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Stop()

	return c.BroadcastBackup(context.Background(), cmd.Positional.Wallet, cmd.Positional.StatechainID, cmd.Positional.ToAddress, cmd.FeeRate)
}
