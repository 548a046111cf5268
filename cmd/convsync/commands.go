package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/servicehub/convsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	conversationsJSON bool
	openJSON          bool
	messagesJSON      bool
	messagesLimit     int
	sendFile          string
	sendJSON          bool
)

const commandTimeout = 30 * time.Second

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(false, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		if err := s.engine.RefreshConversations(ctx); err != nil {
			return fmt.Errorf("failed to list conversations: %w", err)
		}
		convs := s.engine.Conversations()

		out := cmd.OutOrStdout()
		if conversationsJSON {
			return printJSON(out, convs)
		}
		if len(convs) == 0 {
			fmt.Fprintln(out, "No conversations.")
			return nil
		}
		for _, c := range convs {
			other := c.Participants.Vendor
			if s.engine.Side() == convsync.SideVendor {
				other = c.Participants.User
			}
			last := "-"
			if !c.LastMessageAt.IsZero() {
				last = c.LastMessageAt.Local().Format("01-02 15:04")
			}
			fmt.Fprintf(out, "%-24s %-16s %-11s %s\n", c.ID, other, last, c.LastMessagePreview)
		}
		return nil
	},
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <vendor-id>",
	Short: "Open (or create) the conversation with a vendor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(false, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		conv, err := s.engine.OpenVendor(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}
		if openJSON {
			return printJSON(cmd.OutOrStdout(), conv)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conversation: %s\n", conv.ID)
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show recent messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(false, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		if err := s.engine.Open(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}
		msgs := s.engine.Messages(args[0])
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}

		out := cmd.OutOrStdout()
		if messagesJSON {
			return printJSON(out, msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Fprintln(out, formatMessage(m, s.engine.Side(), s.engine.ReadStatus(m)))
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send a message",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		draft := convsync.Draft{ConversationID: args[0], Type: convsync.MessageText}
		if len(args) == 2 {
			draft.Text = args[1]
		}
		if sendFile != "" {
			f, err := readFile(sendFile)
			if err != nil {
				return err
			}
			draft.File = f
			draft.Type = convsync.MessageFile
		}

		s, err := newSession(false, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		m, err := s.engine.Send(ctx, draft)
		if err != nil {
			return fmt.Errorf("failed to send: %w", err)
		}
		if sendJSON {
			return printJSON(cmd.OutOrStdout(), m)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", m.ID)
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(false, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		if err := s.engine.MarkRead(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to mark read: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Marked %s as read\n", args[0])
		return nil
	},
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output as JSON")

	openCmd.Flags().BoolVar(&openJSON, "json", false, "output as JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "show only the last n messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "output as JSON")

	sendCmd.Flags().StringVar(&sendFile, "file", "", "attach a local file")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "output as JSON")

	rootCmd.AddCommand(conversationsCmd, openCmd, messagesCmd, sendCmd, readCmd)
}
