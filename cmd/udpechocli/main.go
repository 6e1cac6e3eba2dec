// Command udpechocli sends one request to a udpechosrv instance and
// prints the reply.
package main

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bet0x/open-source-search-engine/internal/udpserver"
	"github.com/bet0x/open-source-search-engine/pkg/proto"
	"github.com/bet0x/open-source-search-engine/pkg/slot"
)

const echoMsgType = proto.MsgType(1)

type rootFlags struct {
	addr    string
	message string
	timeout time.Duration
	isDNS   bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "udpechocli",
		Short: "Send one request to a reliable-UDP echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}
	cmd.Flags().StringVar(&flags.addr, "addr", "127.0.0.1:9900", "server address")
	cmd.Flags().StringVar(&flags.message, "message", "hello", "message to send")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 3*time.Second, "request deadline")
	cmd.Flags().BoolVar(&flags.isDNS, "dns", false, "use the DNS-shaped protocol codec")
	return cmd
}

func run(flags *rootFlags) error {
	peer, err := netip.ParseAddrPort(flags.addr)
	if err != nil {
		return err
	}

	cli, err := udpserver.New(udpserver.Config{Port: 0, MaxSlots: 16, IsDNS: flags.isDNS})
	if err != nil {
		return err
	}
	defer cli.Shutdown(time.Second)

	type result struct {
		reply []byte
		err   error
	}
	done := make(chan result, 1)

	_, err = cli.SendRequest(peer, -1, echoMsgType, slot.NicenessHigh, []byte(flags.message), 30, flags.timeout, nil, func(_ any, sl *slot.Slot) {
		if sl.Err != nil {
			done <- result{err: sl.Err}
			return
		}
		done <- result{reply: append([]byte(nil), sl.RecvBuf[:sl.RecvSize]...)}
	})
	if err != nil {
		return err
	}

	deadline := time.After(flags.timeout + time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			if r.err != nil {
				return r.err
			}
			fmt.Println(string(r.reply))
			return nil
		case <-ticker.C:
			cli.OnReadable()
			cli.OnTick()
		case <-deadline:
			return fmt.Errorf("udpechocli: timed out waiting for reply")
		}
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
