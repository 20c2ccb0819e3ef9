package main

import (
	"fmt"

	"github.com/spf13/cobra"

	fmchat "github.com/Diarintsoa1402/futureMakers-sub000"
)

var (
	initUserID   string
	initUserName string
	initBaseURL  string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Id of the signed-in user")
	initCmd.Flags().StringVar(&initUserName, "name", "", "Display name of the signed-in user")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API base URL (default "+fmchat.DefaultBaseURL+")")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store credentials in ~/.fmchat/config.toml",
	Long:  "Initialize fmchat by storing the token issued by the auth service, and optionally the user id and API base URL.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initUserName != "" {
			cfg.Auth.UserName = initUserName
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		if cfg.Auth.UserID == "" {
			fmt.Println("No user id set yet. Run 'fmchat config set auth.user_id <id>' before chatting.")
		}
		return nil
	},
}
