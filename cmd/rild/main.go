// Command rild is the modem RIL control daemon: it owns one or more
// configured modem slots, arbitrates the cross-slot data role, and
// exposes the upward HTTP+WebSocket interface and Prometheus metrics
// the telephony service polls.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
