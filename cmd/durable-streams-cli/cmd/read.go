package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	durablestreams "github.com/dstreams/client-go"
)

var readArgs struct {
	Offset string
	Live   string
}

var readCmd = &cobra.Command{
	Use:   "read <path>",
	Short: "Read a stream, optionally tailing it live",
	Args:  cobra.ExactArgs(1),
	Run:   readCmdRun,
}

func init() {
	readCmd.Flags().StringVar(&readArgs.Offset, "offset", string(durablestreams.StartOffset), "offset to start reading from")
	readCmd.Flags().StringVar(&readArgs.Live, "live", "", "live mode: long-poll, sse, or empty for a one-shot catch-up read")
}

func readCmdRun(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	live := durablestreams.LiveModeNone
	switch readArgs.Live {
	case "long-poll":
		live = durablestreams.LiveModeLongPoll
	case "sse":
		live = durablestreams.LiveModeSSE
	case "":
	default:
		log.Fatalf("unrecognized --live value %q", readArgs.Live)
	}

	stream := newClient().Stream(args[0])
	sess, err := stream.OpenSession(ctx,
		durablestreams.WithOffset(durablestreams.Offset(readArgs.Offset)),
		durablestreams.WithLive(live),
	)
	if err != nil {
		log.WithError(err).Fatal("failed to open session")
	}
	defer sess.Cancel(nil)

	puller := sess.TextStream()
	defer puller.Close()

	for {
		text, meta, err := puller.Next(ctx)
		if err != nil {
			if errors.Is(err, durablestreams.Done) {
				return
			}
			log.WithError(err).Fatal("read failed")
		}
		if text != "" {
			fmt.Println(text)
		}
		if meta.UpToDate && live == durablestreams.LiveModeNone {
			return
		}
	}
}
