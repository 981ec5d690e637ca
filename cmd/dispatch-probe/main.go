// Package main provides the dispatch-probe CLI: a minimal entry point for
// exercising the dispatch core end to end — one process wiring every
// component spec.md section 3 names into a single Dispatcher, driven from
// a terminal instead of a channel adapter.
//
// # Basic Usage
//
//	dispatch-probe send --conversation demo "what time is it?"
//	dispatch-probe chat --conversation demo
//	dispatch-probe tools
//
// # Environment Variables
//
//   - (none sets the TOML config file path; that comes from the --config/-c
//     flag, default dispatch.toml)
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: cloud backend credentials
//   - DISPATCH_HOST, DISPATCH_PORT, DISPATCH_DATA_DIR, DISPATCH_PREFERRED_BACKEND,
//     DISPATCH_LOCAL_ONLY, DISPATCH_CONTEXT_TOKEN_BUDGET, DISPATCH_PERMISSION_LEVEL:
//     see internal/dispatch/dconfig for the full override list.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	commit     = "none"
	configPath string
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dispatch-probe:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dispatch-probe",
		Short: "Drive the dispatch core's send/send_nonstreaming contract from a terminal",
		Long: `dispatch-probe wires the Conversation Store, User-Profile Aggregator,
Tool Registry, Tool Runner, Degradation Manager, and Backend Adapters into a
single Dispatcher, then exposes it as a small set of commands for manual
testing and demos. It is not a production server: see the teacher repo's
own gateway for multi-channel request fan-in.`,
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "dispatch.toml", "Path to the TOML config file")

	rootCmd.AddCommand(
		buildSendCmd(),
		buildChatCmd(),
		buildToolsCmd(),
		buildStatusCmd(),
		buildSettingsCmd(),
	)
	return rootCmd
}
