package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	pocpoc "github.com/Hoang18769/pocpoc-sub004"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chats
	chatsJSON bool

	// history
	historyPage int
	historySize int
	historyJSON bool

	// tail
	tailNotifications bool
	tailPresence      []string
	tailJSON          bool

	// notifications
	notificationsJSON bool
)

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := requireLogin()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := rt.Chats.LoadChats(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		chats := rt.Chats.Chats()
		out := cmd.OutOrStdout()
		if chatsJSON {
			return printJSON(out, chats)
		}
		if len(chats) == 0 {
			fmt.Fprintln(out, "No chats found.")
			return nil
		}
		for _, c := range chats {
			latest := ""
			if c.LatestMessage != nil {
				latest = previewOf(*c.LatestMessage)
			}
			fmt.Fprintf(out, "  %s  unread=%d  %s\n", c.ID, c.UnreadCount, latest)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <chat-id>",
	Short: "Print one page of a chat's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		rt, err := requireLogin()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := rt.Chats.LoadHistory(ctx, chatID, historyPage, historySize); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		msgs := rt.Chats.Messages(chatID)
		out := cmd.OutOrStdout()
		if historyJSON {
			return printJSON(out, msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(out, m)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <message>",
	Short: "Send a message to a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, content := args[0], args[1]
		rt, err := requireLogin()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		view := rt.UseChat(chatID)
		defer view.Close()

		local, done := view.Send(ctx, content)
		select {
		case res := <-done:
			if res.Err != nil {
				return fmt.Errorf("send failed (correlation %s): %w", local.CorrelationID, res.Err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Message sent to chat %s\n", chatID)
			fmt.Fprintf(cmd.OutOrStdout(), "  Message ID: %s\n", res.Message.ID)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	},
}

// ============================================================================
// notifications
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := requireLogin()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := rt.Notifications.Load(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		items := rt.Notifications.Items()
		out := cmd.OutOrStdout()
		if notificationsJSON {
			return printJSON(out, items)
		}
		if len(items) == 0 {
			fmt.Fprintln(out, "No notifications.")
			return nil
		}
		for _, n := range items {
			printNotification(out, n)
		}
		fmt.Fprintf(out, "%d unread\n", rt.Notifications.UnreadCount())
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <notification-id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := requireLogin()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := rt.Notifications.Load(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if err := rt.Notifications.MarkRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Marked %s as read.\n", args[0])
		return nil
	},
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail [chat-id...]",
	Short: "Follow chats live",
	Long:  "Connect to the realtime endpoint and print events for the given chats until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !tailNotifications && len(tailPresence) == 0 {
			return fmt.Errorf("nothing to follow: pass chat ids, --notifications or --presence")
		}
		rt, err := requireLogin()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p := &eventPrinter{w: cmd.OutOrStdout(), json: tailJSON}
		fatal := make(chan error, 1)
		rt.Conn.OnStateChange(func(from, to pocpoc.ConnState, err error) {
			if err == nil {
				fmt.Fprintf(os.Stderr, "* %s -> %s\n", from, to)
				return
			}
			fmt.Fprintf(os.Stderr, "* %s -> %s: %v\n", from, to, err)
			if to == pocpoc.StateDisconnected && isFatal(err) {
				select {
				case fatal <- err:
				default:
				}
			}
		})

		var subs []*pocpoc.Subscription
		for _, chatID := range args {
			view := rt.UseChat(chatID)
			defer view.Close()
			subs = append(subs, rt.Registry.Subscribe(pocpoc.ChatTopic(chatID), p))
		}
		if tailNotifications {
			view := rt.UseNotifications()
			defer view.Close()
			subs = append(subs, rt.Registry.Subscribe(pocpoc.NotificationTopic(rt.Tokens.UserID()), p))
		}
		for _, userID := range tailPresence {
			subs = append(subs, rt.WatchPresence(userID), rt.Registry.Subscribe(pocpoc.PresenceTopic(userID), p))
		}
		defer func() {
			for _, s := range subs {
				s.Unsubscribe()
			}
		}()

		if err := rt.Start(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-fatal:
			return err
		}
	},
}

func isFatal(err error) bool {
	return errors.Is(err, pocpoc.ErrReconnectExhausted) ||
		errors.Is(err, pocpoc.ErrAuthTimeout) ||
		errors.Is(err, pocpoc.ErrSessionExpired)
}

// eventPrinter prints routed events as they arrive.
type eventPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func (p *eventPrinter) HandleEvent(ev pocpoc.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		_ = printJSON(p.w, ev)
		return
	}
	switch {
	case ev.Message != nil:
		fmt.Fprintf(p.w, "%-11s ", ev.Kind)
		printMessage(p.w, *ev.Message)
	case ev.Notification != nil:
		printNotification(p.w, *ev.Notification)
	case ev.Presence != nil:
		state := "offline"
		if ev.Presence.Online {
			state = "online"
		}
		fmt.Fprintf(p.w, "presence    %s is %s\n", ev.Presence.UserID, state)
	default:
		fmt.Fprintf(p.w, "%s %s\n", ev.Topic, ev.Raw)
	}
}

// ============================================================================
// Output helpers
// ============================================================================

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessage(w io.Writer, m pocpoc.Message) {
	fmt.Fprintf(w, "[%s] %s %s: %s\n", m.SentAt.Format(time.DateTime), m.ChatID, m.SenderID, previewOf(m))
}

func printNotification(w io.Writer, n pocpoc.Notification) {
	mark := "*"
	if n.IsRead {
		mark = " "
	}
	fmt.Fprintf(w, "%s %s  %-16s from %s  (%s)\n", mark, n.ID, n.Action, n.Creator.ID, n.SentAt.Format(time.DateTime))
}

func previewOf(m pocpoc.Message) string {
	switch {
	case m.Deleted:
		return "(deleted)"
	case m.Attachment != nil && m.Content == "":
		return "(attachment)"
	case m.Edited:
		return m.Content + " (edited)"
	}
	return m.Content
}

func init() {
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().IntVar(&historyPage, "page", 0, "Page number")
	historyCmd.Flags().IntVar(&historySize, "size", 50, "Page size")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	tailCmd.Flags().BoolVar(&tailNotifications, "notifications", false, "Also follow the notification feed")
	tailCmd.Flags().StringSliceVar(&tailPresence, "presence", nil, "User IDs whose presence to follow")
	tailCmd.Flags().BoolVar(&tailJSON, "json", false, "Print events as JSON")

	notificationsCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output raw JSON")
	notificationsCmd.AddCommand(notificationsReadCmd)

	rootCmd.AddCommand(chatsCmd, historyCmd, sendCmd, notificationsCmd, tailCmd)
}
