package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var usersListJSON bool

func init() {
	usersListCmd.Flags().BoolVar(&usersListJSON, "json", false, "Output raw JSON")
	usersCmd.AddCommand(usersListCmd)
	rootCmd.AddCommand(usersCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Browse users you can chat with",
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users, excluding yourself",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := s.client.Users.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		self := s.cfg.Auth.UserID
		out := users[:0]
		for _, u := range users {
			if u.ID != self {
				out = append(out, u)
			}
		}

		if usersListJSON {
			return printJSON(out)
		}
		if len(out) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for i := range out {
			u := &out[i]
			fmt.Printf("  %s  %-4s %s", u.ID, u.Initials(), u.DisplayName())
			if u.Email != "" {
				fmt.Printf(" <%s>", u.Email)
			}
			fmt.Println()
		}
		return nil
	},
}
