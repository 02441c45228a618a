package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"RankedLobby/config"
	"RankedLobby/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a bearer token signed with jwt.secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if err := config.Load(path); err != nil {
			return err
		}
		tok, err := auth.Issue([]byte(config.C.JWT.Secret), args[0], ttl, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringP("config", "c", "", "config file (default config/config.yaml)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
