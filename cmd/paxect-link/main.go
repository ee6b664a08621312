// Command paxect-link runs the PAXECT link relay daemon.
//
// With no arguments it enters watch mode: discover peers, relay
// envelopes and run the inbox/outbox file pipeline until interrupted.
// --share and --connect bootstrap trust between two nodes through a
// wormhole code before entering watch mode; --rendezvous-server hosts
// the HTTP code store for nodes without a shared filesystem.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	link "github.com/PAXECT-Interface/paxect-link-plugin"
	"github.com/PAXECT-Interface/paxect-link-plugin/rendezvous"
)

func main() {
	app := &cli.App{
		Name:    "paxect-link",
		Usage:   "autonomous cross-host relay daemon",
		Version: link.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "optional TOML config file"},
			&cli.BoolFlag{Name: "share", Usage: "publish a wormhole code and wait for a peer"},
			&cli.StringFlag{Name: "connect", Usage: "redeem a wormhole `CODE` from a peer"},
			&cli.BoolFlag{Name: "rendezvous-server", Usage: "run the HTTP rendezvous server"},
			&cli.IntFlag{Name: "port", Value: 8666, Usage: "rendezvous server port"},
			&cli.BoolFlag{Name: "list-peers", Usage: "print trusted nodes and exit"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Bool("rendezvous-server") {
		srv := rendezvous.NewServer(fmt.Sprintf(":%d", c.Int("port")))
		fmt.Printf("rendezvous server listening on :%d\n", c.Int("port"))
		return srv.ListenAndServe(ctx)
	}

	cfg, err := link.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}

	if c.Bool("list-peers") {
		store, err := link.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			return err
		}
		for _, name := range store.Snapshot().TrustedNodes {
			fmt.Println(name)
		}
		return nil
	}

	l, err := link.Open(cfg)
	if err != nil {
		if errors.Is(err, link.ErrLockHeld) {
			// Another instance owns this base dir; not a failure
			fmt.Println("paxect-link: already running, exiting")
			return nil
		}
		return err
	}
	defer l.Close()

	switch {
	case c.Bool("share"):
		pairing := l.Pairing()
		code, err := pairing.Share(l.SocketAddr())
		if err != nil {
			return err
		}
		fmt.Printf("Code: %s\n", code)
		fmt.Println("Waiting for a peer to connect ...")
		accept, err := pairing.WaitAccept(code)
		if err != nil {
			return err
		}
		fmt.Printf("Paired with %s (%s)\n", accept.Hostname, accept.NodeID)

	case c.String("connect") != "":
		code := c.String("connect")
		shared, err := l.Pairing().Connect(code, l.SocketAddr())
		if err != nil {
			if errors.Is(err, rendezvous.ErrNotFound) || errors.Is(err, rendezvous.ErrExpired) {
				return fmt.Errorf("pairing code %s: %w", code, err)
			}
			return err
		}
		fmt.Printf("Paired with %s (%s)\n", shared.Hostname, shared.NodeID)
	}

	return l.Run(ctx)
}
