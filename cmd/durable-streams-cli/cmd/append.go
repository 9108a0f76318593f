package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	durablestreams "github.com/dstreams/client-go"
)

var appendArgs struct {
	ContentType string
	Seq         string
}

var appendCmd = &cobra.Command{
	Use:   "append <path> <data>",
	Short: "Append data to a stream",
	Args:  cobra.ExactArgs(2),
	Run:   appendCmdRun,
}

func init() {
	appendCmd.Flags().StringVarP(&appendArgs.ContentType, "content-type", "c", "", "content type to send with the append, overriding the stream's cached value")
	appendCmd.Flags().StringVar(&appendArgs.Seq, "seq", "", "optional sequence number for legacy seq-based conflict detection")
}

func appendCmdRun(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream := newClient().Stream(args[0])
	if appendArgs.ContentType != "" {
		stream.SetContentType(appendArgs.ContentType)
	}

	var opts []durablestreams.AppendOption
	if appendArgs.Seq != "" {
		opts = append(opts, durablestreams.WithSeq(appendArgs.Seq))
	}

	result, err := stream.Append(ctx, []byte(args[1]), opts...)
	if err != nil {
		log.WithError(err).Fatal("failed to append")
	}

	fmt.Printf("next offset: %s\n", result.NextOffset)
}
