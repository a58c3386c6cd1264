package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	version = "dev" // set by build flags
)

var rootCmd = &cobra.Command{
	Use:   "netcat",
	Short: "Remote PRIME+PROBE cache side-channel against a DDIO-enabled NIC",
	Long: `netcat mounts a remote PRIME+PROBE attack against a victim's last-level
cache through its RDMA-capable NIC. It profiles the victim's cache geometry,
locates the RX ring's cache footprint, and tracks incoming network activity
by watching which cache sets its packets disturb.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./netcat.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
