package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	fmchat "github.com/Diarintsoa1402/futureMakers-sub000"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations list
	conversationsUnread bool
	conversationsJSON   bool

	// conversations open
	conversationsOpenJSON bool

	// messages
	messagesGroup bool
	messagesLimit int
	messagesJSON  bool

	// groups list
	groupsListJSON bool

	// groups create
	groupsCreateMembers     string
	groupsCreateDescription string
	groupsCreateJSON        bool

	// send
	sendGroup   bool
	sendFile    string
	sendTimeout time.Duration
	sendJSON    bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Direct conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List direct conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		userID, err := s.userID()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := s.client.Conversations.List(ctx, userID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		var incoming []fmchat.Entry
		for _, c := range convs {
			if conversationsUnread && c.UnreadCount == 0 {
				continue
			}
			incoming = append(incoming, fmchat.ConversationEntry(c))
		}
		dir := fmchat.NewDirectory()
		dir.Merge(incoming)
		entries := dir.Conversations()

		if conversationsJSON {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, e := range entries {
			printEntry(e)
		}
		return nil
	},
}

var conversationsOpenCmd = &cobra.Command{
	Use:   "open <user-id>",
	Short: "Get or create the direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		userID, err := s.userID()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := s.client.Conversations.GetOrCreate(ctx, userID, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsOpenJSON {
			return printJSON(conv)
		}
		fmt.Printf("Conversation %s with %s\n", conv.ID, conv.Participant.DisplayName())
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <thread-id>",
	Short: "Show the history of a conversation or group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showHistory(threadRef(args[0], messagesGroup))
	},
}

func showHistory(ref fmchat.ThreadRef) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var msgs []*fmchat.Message
	if ref.Kind == fmchat.KindGroup {
		msgs, err = s.client.Groups.Messages(ctx, ref.ID)
	} else {
		msgs, err = s.client.Conversations.Messages(ctx, ref.ID)
	}
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	cache := fmchat.NewThreadCache()
	cache.Reset(ref)
	cache.Replace(msgs)
	history := cache.Messages()
	if messagesLimit > 0 && len(history) > messagesLimit {
		history = history[len(history)-messagesLimit:]
	}

	if messagesJSON {
		return printJSON(history)
	}
	if len(history) == 0 {
		fmt.Println("No messages.")
		return nil
	}
	for _, m := range history {
		fmt.Println(formatMessage(m))
	}
	return nil
}

// ============================================================================
// groups
// ============================================================================

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Group chats",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups you belong to",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		groups, err := s.client.Groups.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		incoming := make([]fmchat.Entry, 0, len(groups))
		for _, g := range groups {
			incoming = append(incoming, fmchat.GroupEntry(g))
		}
		dir := fmchat.NewDirectory()
		dir.Merge(incoming)
		entries := dir.Groups()

		if groupsListJSON {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No groups found.")
			return nil
		}
		for _, e := range entries {
			printEntry(e)
		}
		return nil
	},
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		opts := &fmchat.CreateGroupOptions{
			Name:        args[0],
			Description: groupsCreateDescription,
			MemberIDs:   splitList(groupsCreateMembers),
		}
		g, err := s.client.Groups.Create(ctx, opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if groupsCreateJSON {
			return printJSON(g)
		}
		fmt.Printf("Created group %s (%s)\n", g.Name, g.ID)
		return nil
	},
}

var groupsMessagesCmd = &cobra.Command{
	Use:   "messages <group-id>",
	Short: "Show the history of a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showHistory(fmchat.GroupRef(args[0]))
	},
}

var groupsAddMemberCmd = &cobra.Command{
	Use:   "add-member <group-id> <user-id>",
	Short: "Add a user to a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := s.client.Groups.AddMember(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Added %s to %s\n", args[1], args[0])
		return nil
	},
}

var groupsRemoveMemberCmd = &cobra.Command{
	Use:   "remove-member <group-id> <user-id>",
	Short: "Remove a user from a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := s.client.Groups.RemoveMember(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Removed %s from %s\n", args[1], args[0])
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <thread-id> [text]",
	Short: "Send a message to a conversation or group",
	Long:  "Send a message through the synchronization controller: the channel is connected, the thread opened, the message persisted and then broadcast.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var text string
		if len(args) == 2 {
			text = args[1]
		}
		var att *fmchat.Attachment
		if sendFile != "" {
			a, err := readAttachment(sendFile)
			if err != nil {
				return err
			}
			att = a
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout+15*time.Second)
		defer cancel()

		ctrl, err := s.controller(ctx, sendTimeout)
		if err != nil {
			return err
		}
		defer ctrl.Teardown()

		if err := ctrl.OpenThread(ctx, threadRef(args[0], sendGroup)); err != nil {
			return fmt.Errorf("cannot open thread: %w", err)
		}
		msg, err := ctrl.Send(ctx, text, att)
		if err != nil {
			return err
		}

		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// Helpers
// ============================================================================

func printEntry(e fmchat.Entry) {
	line := fmt.Sprintf("  %s: %s", e.Ref.ID, e.Title)
	if e.Group != nil {
		line += fmt.Sprintf(" (%d members)", e.Group.MemberCount)
	}
	if e.UnreadCount > 0 {
		line += fmt.Sprintf(" [%d unread]", e.UnreadCount)
	}
	fmt.Println(line)
	if e.LastMessage != "" {
		fmt.Printf("      %s  %s\n", formatTime(e.LastMessageAt), e.LastMessage)
	}
}

func readAttachment(path string) (*fmchat.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file: %w", err)
	}
	return &fmchat.Attachment{FileName: filepath.Base(path), Data: data}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ============================================================================
// init
// ============================================================================

func init() {
	conversationsListCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only show conversations with unread messages")
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	conversationsOpenCmd.Flags().BoolVar(&conversationsOpenJSON, "json", false, "Output raw JSON")
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsOpenCmd)

	messagesCmd.Flags().BoolVar(&messagesGroup, "group", false, "Treat the id as a group id")
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Only show the last n messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	groupsMessagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Only show the last n messages")
	groupsMessagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	groupsListCmd.Flags().BoolVar(&groupsListJSON, "json", false, "Output raw JSON")
	groupsCreateCmd.Flags().StringVarP(&groupsCreateMembers, "members", "m", "", "Comma-separated member user ids")
	groupsCreateCmd.Flags().StringVarP(&groupsCreateDescription, "description", "d", "", "Group description")
	groupsCreateCmd.Flags().BoolVar(&groupsCreateJSON, "json", false, "Output raw JSON")
	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsMessagesCmd)
	groupsCmd.AddCommand(groupsAddMemberCmd)
	groupsCmd.AddCommand(groupsRemoveMemberCmd)

	sendCmd.Flags().BoolVar(&sendGroup, "group", false, "Treat the id as a group id")
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Attach a file")
	sendCmd.Flags().DurationVar(&sendTimeout, "connect-timeout", 10*time.Second, "How long to wait for the chat channel")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(sendCmd)
}
