package main

import (
	"errors"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/signal"
	"github.com/ulrichard/utwallet"
	"github.com/ulrichard/utwallet/chainwallet"
	"github.com/ulrichard/utwallet/esplora"
	"github.com/ulrichard/utwallet/lnclient"
	"github.com/ulrichard/utwallet/rates"
	"github.com/ulrichard/utwallet/seedstore"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		var flagsErr *flags.Error
		if !errors.As(err, &flagsErr) ||
			flagsErr.Type != flags.ErrHelp {

			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	// Load the configuration, and parse any command line options. This
	// also sets up logging properly.
	cfg, err := utwallet.LoadConfig(args)
	if err != nil {
		return err
	}

	// The seed must be available before anything else: a corrupt seed
	// file is the only fatal startup condition.
	if _, err := seedstore.LoadOrCreate(cfg.SeedFile); err != nil {
		return fmt.Errorf("wallet seed: %w", err)
	}

	// Hook interceptor for os signals.
	shutdownInterceptor, err := signal.Intercept()
	if err != nil {
		return err
	}

	node, err := lnclient.NewGRPCClient(&lnclient.GRPCConfig{
		Host:         cfg.LndRPCHost,
		TLSCertPath:  cfg.LndTLSCertPath,
		MacaroonPath: cfg.LndMacaroonPath,
	})
	if err != nil {
		return err
	}
	defer node.Close()

	chain := esplora.NewClient(&esplora.ClientConfig{
		Servers: cfg.EsploraServers,
	})

	orchestrator, err := utwallet.NewOrchestrator(cfg, utwallet.Deps{
		Wallet: chainwallet.NewNodeWallet(
			node.Conn(), cfg.ActiveNetParams,
		),
		Node:       node,
		Chain:      chain,
		RateSource: rates.NewCoinMarketCapSource(cfg.RateAPIKey),
	})
	if err != nil {
		return err
	}

	if err := orchestrator.Start(); err != nil {
		return err
	}
	defer func() {
		if err := orchestrator.Stop(); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
	}()

	<-shutdownInterceptor.ShutdownChannel()

	return nil
}
