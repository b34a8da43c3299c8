package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/dualnet/messaging"
	"github.com/opd-ai/dualnet/wire"
)

type connectFlags struct {
	server  string
	encrypt bool
	timeout time.Duration
}

func newConnectCmd(global *globalFlags) *cobra.Command {
	flags := &connectFlags{}
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Join a chat server and send lines read from stdin",
		Long: `connect sends every line read from stdin to the server's chat channel and
prints what the server relays back. Lines starting with /echo are sent as
requests and the reply is printed with its round trip time; /ping prints the
measured full trip time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, global, flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&flags.server, "server", "s", "127.0.0.1:7777", "Server address")
	cmd.Flags().BoolVarP(&flags.encrypt, "encrypt", "e", false, "Negotiate a session key and encrypt chat lines")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "Connect and handshake timeout")
	return cmd
}

func runConnect(ctx context.Context, global *globalFlags, flags *connectFlags, in io.Reader, out io.Writer) error {
	cfg, err := loadConfig(global)
	if err != nil {
		return err
	}

	var cli *messaging.Client
	if global.network == "tcp" {
		cli = messaging.NewTCPClient(flags.server, cfg)
	} else {
		cli = messaging.NewUDPClient(flags.server, cfg)
	}
	defer cli.Close()

	if err := cli.Register(chatChannel, func() wire.Message { return &wire.Text{} }); err != nil {
		return err
	}
	if err := cli.Register(echoChannel, func() wire.Message { return &wire.Text{} }); err != nil {
		return err
	}
	if err := cli.Bind(chatChannel, messaging.Handle(func(m *wire.Text) {
		fmt.Fprintln(out, m.Value)
	})); err != nil {
		return err
	}
	cli.OnDisconnect = func() {
		logrus.WithField("component", "dualnet.connect").Warn("Lost connection to server")
	}

	connectCtx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()
	if err := cli.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect %s: %w", flags.server, err)
	}
	if flags.encrypt {
		if err := cli.SetupEncryption(connectCtx); err != nil {
			return fmt.Errorf("encryption setup: %w", err)
		}
	}
	fmt.Fprintf(out, "connected to %s over %s\n", flags.server, global.network)

	lines := make(chan string)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return nil
			}
		}
		return scanner.Err()
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := handleLine(ctx, cli, flags.encrypt, line, out); err != nil {
					return err
				}
			}
		}
	})
	return g.Wait()
}

func handleLine(ctx context.Context, cli *messaging.Client, encrypt bool, line string, out io.Writer) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "/ping":
		rtt, err := cli.Ping(ctx)
		if err != nil {
			fmt.Fprintf(out, "ping failed: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "ftt %s\n", rtt)
		return nil
	case strings.HasPrefix(line, "/echo "):
		start := time.Now()
		reply, err := cli.Request(ctx, wire.NewText(echoChannel, strings.TrimPrefix(line, "/echo ")),
			messaging.RequestOptions{ReplyChannel: echoChannel, Encrypted: encrypt, Large: true})
		if err != nil {
			fmt.Fprintf(out, "echo failed: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "echo %q in %s\n", reply.(*wire.Text).Value, time.Since(start))
		return nil
	}

	msg := wire.NewText(chatChannel, line)
	if encrypt {
		return cli.EncryptedSendLarge(msg)
	}
	return cli.SendLarge(msg)
}
