package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/dispatcher"
)

func buildSendCmd() *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and print the final assistant reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closer, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer closer()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			text, done, err := a.dispatcher.SendNonStreaming(ctx, conversationID, args[0], nil)
			if err != nil {
				return err
			}
			fmt.Println(text)
			if done.DegradedMode != "" {
				fmt.Fprintf(os.Stderr, "[mode: %s]\n", done.DegradedMode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "default", "Conversation id to append to")
	return cmd
}

func buildChatCmd() *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive REPL against the dispatch core",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closer, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer closer()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runChatLoop(ctx, a, conversationID)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "default", "Conversation id to chat within")
	return cmd
}

func runChatLoop(ctx context.Context, a *app, conversationID string) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("dispatch-probe chat — type a message and press enter, Ctrl-D to quit")

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		events, err := a.dispatcher.Send(ctx, conversationID, line, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}

		for ev := range events {
			switch ev.Kind {
			case dispatcher.EventStart:
				fmt.Printf("[%s/%s] ", ev.Provider, ev.Model)
			case dispatcher.EventToken:
				fmt.Print(ev.Text)
			case dispatcher.EventToolCall:
				fmt.Printf("\n  -> calling %s(%s)\n", ev.ToolName, string(ev.ToolInput))
			case dispatcher.EventToolResult:
				if ev.Escalation != nil {
					fmt.Printf("  <- %s requires %s permission (have %s)\n", ev.ToolName, ev.Escalation.RequiredLevel, ev.Escalation.CurrentLevel)
					continue
				}
				status := "ok"
				if !ev.ToolSuccess {
					status = "error"
				}
				fmt.Printf("  <- %s [%s]: %s\n", ev.ToolName, status, truncate(ev.ToolResult, 200))
			case dispatcher.EventDone:
				fmt.Println()
			case dispatcher.EventError:
				fmt.Printf("\nerror (%s): %s\n", ev.ErrKind, ev.ErrMessage)
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func buildToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List every tool registered with the Tool Registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closer, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer closer()

			for _, schema := range a.registry.Schemas() {
				fmt.Printf("%-20s %s\n", schema.Name, schema.Description)
			}
			return nil
		},
	}
}

// buildSettingsCmd exercises the Settings Store's Set/Get operations
// directly from the CLI, per spec.md section 4.8 — a secret-shaped key
// (e.g. anthropic_api_key) round-trips through at-rest encryption
// transparently.
func buildSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Get or set a Settings Store key",
	}

	setCmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a settings key, encrypting it at rest if it looks like a secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closer, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer closer()

			return a.settings.Set(args[0], args[1])
		},
	}

	getCmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Get a settings key's decrypted value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closer, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer closer()

			value, ok, err := a.settings.Get(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("settings: %s not set", args[0])
			}
			fmt.Println(value)
			return nil
		},
	}

	cmd.AddCommand(setCmd, getCmd)
	return cmd
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the Degradation Manager's current mode and per-backend health",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closer, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer closer()

			fmt.Printf("mode: %s\n", a.degrader.Mode())
			for _, name := range a.cfg.CandidateBackendNames() {
				h := a.degrader.Snapshot(name)
				fmt.Printf("  %-10s available=%-5v consecutive_failures=%d\n", name, h.Available, h.ConsecutiveFailures)
			}
			return nil
		},
	}
}
