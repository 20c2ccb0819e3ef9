package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	fmchat "github.com/Diarintsoa1402/futureMakers-sub000"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the effective configuration and, when credentials are present, fetch live conversation and group counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := applyOverrides(cfg, dotEnvPath); err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, fmchat.DefaultBaseURL))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Name:        %s\n", valueOrDefault(cfg.Auth.UserName, "(not set)"))

		if cfg.Default.Token == "" || cfg.Auth.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		s, err := openSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := s.client.Conversations.List(ctx, cfg.Auth.UserID)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		groups, err := s.client.Groups.List(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}

		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		for _, g := range groups {
			unread += g.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Groups:        %d\n", len(groups))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}
