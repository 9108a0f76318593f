package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Delete a stream",
	Args:  cobra.ExactArgs(1),
	Run:   deleteCmdRun,
}

func deleteCmdRun(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := newClient().Stream(args[0]).Delete(ctx); err != nil {
		log.WithError(err).Fatal("failed to delete stream")
	}

	fmt.Printf("deleted %s\n", args[0])
}
