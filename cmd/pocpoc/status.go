package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusLive bool

func init() {
	statusCmd.Flags().BoolVar(&statusLive, "live", false, "Connect to the realtime endpoint and report the result")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the stored token is expired, and optionally probe the realtime connection.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, cfg, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", cfg.Default.BaseURL)
		fmt.Fprintf(out, "  WS URL:      %s\n", valueOrDefault(cfg.Default.WSURL, cfg.Default.BaseURL+"/ws"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Session:")
		session, ok := rt.Tokens.Session()
		if !ok {
			fmt.Fprintln(out, "  (not logged in)")
			return nil
		}
		fmt.Fprintf(out, "  User ID:     %s\n", session.UserID)
		fmt.Fprintf(out, "  Name:        %s\n", valueOrDefault(session.UserName, "(not set)"))
		fmt.Fprintf(out, "  Token:       %s\n", maskToken(session.AccessToken))

		tokenStatus := "invalid (no expiry claim)"
		switch {
		case rt.Tokens.IsValid():
			tokenStatus = fmt.Sprintf("valid (expires %s)", session.ExpiresAt.Format(time.RFC3339))
		case !session.ExpiresAt.IsZero():
			tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", session.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Fprintf(out, "  Status:      %s\n", tokenStatus)

		if !statusLive {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := rt.Start(ctx); err != nil {
			return err
		}
		if err := rt.WaitConnected(ctx); err != nil {
			fmt.Fprintf(out, "  Realtime:    %s (%v)\n", rt.State(), err)
			return nil
		}
		fmt.Fprintf(out, "  Realtime:    %s\n", rt.State())

		if err := rt.Sync(ctx); err != nil {
			fmt.Fprintf(out, "  Error fetching chats: %v\n", err)
			return nil
		}
		unread := 0
		chats := rt.Chats.Chats()
		for _, c := range chats {
			unread += c.UnreadCount
		}
		fmt.Fprintf(out, "  Chats:         %d\n", len(chats))
		fmt.Fprintf(out, "  Unread:        %d\n", unread)
		fmt.Fprintf(out, "  Notifications: %d unread\n", rt.Notifications.UnreadCount())
		return nil
	},
}
