package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/protei/rild/pkg/config"
	"github.com/protei/rild/pkg/upward"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cached per-slot state from a running daemon's upward interface",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("rild: loading config: %w", err)
	}
	if cfg.Settings.UpwardAddr == "" {
		return fmt.Errorf("rild: upward interface is not configured (set upward_addr in [Settings])")
	}

	token, err := upward.MintToken(cfg.Settings.UpwardJWTSecret, "rild-status", time.Minute)
	if err != nil {
		return fmt.Errorf("rild: minting status token: %w", err)
	}

	req, err := http.NewRequest(http.MethodGet, "http://"+cfg.Settings.UpwardAddr+"/api/slots", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("rild: querying upward interface: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rild: upward interface returned %s", resp.Status)
	}

	var snapshots []upward.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshots); err != nil {
		return fmt.Errorf("rild: decoding status response: %w", err)
	}

	printSlotTable(snapshots)
	return nil
}

func printSlotTable(snapshots []upward.Snapshot) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Slot", "IMEI", "SIM", "Operator", "Voice", "Data", "Data On", "Calls"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, s := range snapshots {
		table.Append([]string{
			strconv.Itoa(s.Index),
			s.IMEI,
			string(s.SimPresence),
			s.Operator,
			strconv.Itoa(s.VoiceStatus),
			strconv.Itoa(s.DataStatus),
			strconv.FormatBool(s.DataOn),
			strconv.Itoa(len(s.DataCalls)),
		})
	}
	table.Render()
}
