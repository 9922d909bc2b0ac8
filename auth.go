package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func authCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize the calendar account and check both logins",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := newEngine(nil)
			if err != nil {
				return err
			}
			defer e.Close()

			fmt.Println("🚀 Starting calendar authorization...")
			provider := e.config.Sync.Provider

			if provider == "google" {
				account := e.config.Google.Account
				_, err := loadToken(e.db, account)
				switch {
				case err == nil && !force:
					fmt.Printf("🔑 Token already stored for account %s\n", account)
				case err == nil || errors.Is(err, ErrAuthentication):
					token, err := getTokenFromWeb(ctx, oauthConfig)
					if err != nil {
						return err
					}
					if err := saveToken(e.db, account, token); err != nil {
						return fmt.Errorf("error saving token: %w", err)
					}
				default:
					return err
				}
			}

			if err := e.factory.ValidateCalendarAccess(ctx, e.calendar); err != nil {
				return fmt.Errorf("error retrieving %s calendar: %w", provider, err)
			}

			identity, err := e.identity(ctx)
			if err != nil {
				return err
			}

			target := e.config.Google.CalendarID
			if provider == "caldav" {
				target = e.config.CalDAV.CalendarPath
			}
			fmt.Printf("✅ %s calendar %s ready for %s\n", strings.ToUpper(provider), target, identity)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "obtain a new token even if one is stored")
	return cmd
}
