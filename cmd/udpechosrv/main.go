// Command udpechosrv runs a udpserver.Server that echoes back whatever
// bytes it receives on message type 1, prefixed with "echo:". It
// exists to exercise the transport end to end from the command line,
// the way a teacher repo ships a small demo binary alongside a library.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bet0x/open-source-search-engine/internal/udpserver"
	"github.com/bet0x/open-source-search-engine/pkg/proto"
	"github.com/bet0x/open-source-search-engine/pkg/slot"
)

const echoMsgType = proto.MsgType(1)

type rootFlags struct {
	port      uint16
	maxSlots  int
	isDNS     bool
	txnStore  string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "udpechosrv",
		Short: "Run a reliable-UDP echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(flags)
		},
	}
	cmd.Flags().Uint16Var(&flags.port, "port", 9900, "UDP port to bind")
	cmd.Flags().IntVar(&flags.maxSlots, "max-slots", 4096, "slot table capacity")
	cmd.Flags().BoolVar(&flags.isDNS, "dns", false, "use the DNS-shaped protocol codec")
	cmd.Flags().StringVar(&flags.txnStore, "txn-store", "", "path to persist the transaction id counter (optional)")
	return cmd
}

func runServer(flags *rootFlags) error {
	log := logrus.NewEntry(logrus.StandardLogger())

	srv, err := udpserver.New(udpserver.Config{
		Port:         flags.port,
		MaxSlots:     flags.maxSlots,
		IsDNS:        flags.isDNS,
		TxnStorePath: flags.txnStore,
		Log:          log,
	})
	if err != nil {
		return err
	}

	err = srv.RegisterHandler(echoMsgType, func(sl *slot.Slot, niceness slot.Niceness) {
		reply := make([]byte, 0, len(sl.RecvBuf[:sl.RecvSize])+5)
		reply = append(reply, []byte("echo:")...)
		reply = append(reply, sl.RecvBuf[:sl.RecvSize]...)
		if err := srv.SendReply(sl, reply, nil, nil); err != nil {
			log.WithError(err).Warn("failed to send reply")
		}
	}, false)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "listening on %s (server id %s)\n", srv.LocalAddr(), srv.ID())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
