package main

import (
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "rild",
	Short:   "Modem RIL control daemon",
	Version: version,
	Long: `rild owns one or more configured modem slots: radio power,
SIM card state, network registration, and data calls. It arbitrates
which slot holds the data role across slots and exposes that state
to the telephony service over an upward HTTP+WebSocket interface.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the rild INI config file (default: /etc/rild/rild.ini, then ./rild.ini)")
}
