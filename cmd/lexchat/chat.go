package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	lexchat "github.com/lexbridge/lexchat/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// history
	historyLimit int

	// send
	sendFile string

	// read
	readAll bool

	// notifications
	notificationsRead    string
	notificationsReadAll bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "show at most this many recent messages (0 for all)")
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "attach a file")
	readCmd.Flags().BoolVar(&readAll, "all", false, "mark every unread message read, optionally only from <counterpart>")
	notificationsCmd.Flags().StringVar(&notificationsRead, "read", "", "mark one notification read")
	notificationsCmd.Flags().BoolVar(&notificationsReadAll, "read-all", false, "mark every notification read")

	rootCmd.AddCommand(historyCmd, conversationsCmd, sendCmd, retryCmd, readCmd, deleteCmd,
		blockCmd, unblockCmd, notificationsCmd)
}

// ============================================================================
// history / conversations
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <counterpart>",
	Short: "Show the conversation with a counterpart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		client, sess, err := e.client()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		all, err := client.Chat.History(ctx, sess.UserID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		var msgs []lexchat.Message
		for _, m := range all {
			if m.Counterpart(sess.UserID) == args[0] {
				msgs = append(msgs, m)
			}
		}
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}

		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(sess.UserID, m))
		}
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		client, sess, err := e.client()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		all, err := client.Chat.History(ctx, sess.UserID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		store := lexchat.NewStore(sess.UserID, e.log)
		store.ReplaceAll(all)
		summaries := store.Summaries()

		if jsonOutput {
			return printJSON(summaries)
		}
		if len(summaries) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, s := range summaries {
			name := s.Counterpart.ID
			if s.Counterpart.Name != "" {
				name = fmt.Sprintf("%s (%s)", s.Counterpart.Name, s.Counterpart.ID)
			}
			fmt.Printf("%-40s %3d unread  %s  %s\n", name, s.Unread,
				s.LastMessageAt.Local().Format("2006-01-02 15:04"), s.LastMessage)
		}
		return nil
	},
}

// ============================================================================
// send / retry
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <counterpart> [message]",
	Short: "Send a message",
	Long:  "Send a text message, a file, or both. A send that fails is kept in the local journal; use 'lexchat retry' to resend it.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var body string
		if len(args) == 2 {
			body = args[1]
		}
		var att *lexchat.Attachment
		if sendFile != "" {
			data, err := os.ReadFile(sendFile)
			if err != nil {
				return fmt.Errorf("cannot read file: %w", err)
			}
			name := filepath.Base(sendFile)
			att = &lexchat.Attachment{
				FileName: name,
				MimeType: mime.TypeByExtension(filepath.Ext(name)),
				Size:     int64(len(data)),
				Data:     data,
			}
		}

		e, err := loadEnv()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		m, done, err := e.login(ctx)
		if err != nil {
			return err
		}
		defer done()

		msg, err := m.SendMessage(ctx, args[0], body, att)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(msg)
		}
		if msg.Status == lexchat.StatusFailed {
			return fmt.Errorf("send failed: %s (kept as %s)", msg.Error, msg.ID)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Resend every failed message in the local journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		m, done, err := e.login(ctx)
		if err != nil {
			return err
		}
		defer done()

		failed := m.Store().Pending(lexchat.StatusFailed)
		if len(failed) == 0 {
			fmt.Println("Nothing to retry.")
			return nil
		}
		still := 0
		for _, f := range failed {
			msg, err := m.RetrySend(ctx, f.ID)
			switch {
			case err != nil:
				still++
				fmt.Printf("%s: %v\n", f.ID, err)
			case msg.Status == lexchat.StatusFailed:
				still++
				fmt.Printf("%s: %s\n", f.ID, msg.Error)
			default:
				fmt.Printf("%s: sent as %s\n", f.ID, msg.ID)
			}
		}
		if still > 0 {
			return fmt.Errorf("%d of %d messages still failed", still, len(failed))
		}
		return nil
	},
}

// ============================================================================
// read / delete
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <message-id> | --all [counterpart]",
	Short: "Mark messages read",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !readAll && len(args) == 0 {
			return fmt.Errorf("give a message id or --all")
		}
		e, err := loadEnv()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		m, done, err := e.login(ctx)
		if err != nil {
			return err
		}
		defer done()

		if !readAll {
			if err := m.MarkAsRead(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Marked %s read\n", args[0])
			return nil
		}
		var counterpart string
		if len(args) == 1 {
			counterpart = args[0]
		}
		n, err := m.MarkAllAsRead(ctx, counterpart)
		fmt.Printf("Marked %d messages read\n", n)
		return err
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		m, done, err := e.login(ctx)
		if err != nil {
			return err
		}
		defer done()

		if err := m.DeleteMessage(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// ============================================================================
// block / unblock
// ============================================================================

var blockCmd = &cobra.Command{
	Use:   "block <counterpart>",
	Short: "Block a counterpart",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetBlocked(true),
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <counterpart>",
	Short: "Unblock a counterpart",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetBlocked(false),
}

func runSetBlocked(blocked bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		client, _, err := e.client()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		if blocked {
			err = client.Chat.Block(ctx, args[0])
		} else {
			err = client.Chat.Unblock(ctx, args[0])
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		st, err := client.Chat.BlockStatus(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(st)
		}
		fmt.Printf("%s: blocked=%v blocked_by=%v\n", args[0], st.Blocked, st.BlockedBy)
		return nil
	}
}

// ============================================================================
// notifications
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications or mark them read",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		client, _, err := e.client()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		switch {
		case notificationsReadAll:
			if err := client.Notifications.MarkAllRead(ctx); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Println("All notifications marked read")
			return nil
		case notificationsRead != "":
			if err := client.Notifications.MarkRead(ctx, notificationsRead); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Printf("Marked %s read\n", notificationsRead)
			return nil
		}

		list, err := client.Notifications.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range list {
			mark := " "
			if !n.Read {
				mark = "*"
			}
			fmt.Printf("%s %s %-10s %s  %s\n", mark, n.CreatedAt.Local().Format("2006-01-02 15:04"), n.Type, n.ID, n.Message)
		}
		return nil
	},
}
