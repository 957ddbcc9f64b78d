package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/protei/rild/internal/logger"
	"github.com/protei/rild/pkg/ril/channel"
	"github.com/protei/rild/pkg/simio"
)

var (
	simioSocket string
	simioPath   string
	simioStart  int
	simioLength int
	simioAID    string
)

func init() {
	simioCmd.AddCommand(simioReadCmd)

	simioReadCmd.Flags().StringVar(&simioSocket, "socket", "/dev/socket/rild", "RIL socket path")
	simioReadCmd.Flags().StringVar(&simioPath, "path", "", "EF path, e.g. 3F007FFF6F07 for EF_IMSI")
	simioReadCmd.Flags().IntVar(&simioStart, "start", 0, "start offset for a transparent read")
	simioReadCmd.Flags().IntVar(&simioLength, "length", 0, "number of bytes to read")
	simioReadCmd.Flags().StringVar(&simioAID, "aid", "", "active USIM application AID, if any")
	simioReadCmd.MarkFlagRequired("path")
	simioReadCmd.MarkFlagRequired("length")

	rootCmd.AddCommand(simioCmd)
}

var simioCmd = &cobra.Command{
	Use:   "simio",
	Short: "Low-level SIM file I/O against a live RIL socket, for diagnostics",
}

var simioReadCmd = &cobra.Command{
	Use:   "read",
	Short: "Read a transparent elementary file and print its contents as hex",
	RunE:  runSimioRead,
}

func runSimioRead(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log := logger.Get()
	ch := channel.New(simioSocket, "", log)
	go ch.Run(ctx)

	client := simio.New(ch, func() string { return simioAID }, nil)

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	client.ReadTransparent(0, simioStart, simioLength, simioPath, func(data []byte, err error) {
		done <- result{data: data, err: err}
	})

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("rild: simio read: %w", r.err)
		}
		fmt.Println(hex.EncodeToString(r.data))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rild: simio read: %w", ctx.Err())
	}
}
