package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

var (
	loginToken  string
	loginUserID string
	loginName   string
)

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "Access token (JWT) issued by the backend")
	loginCmd.Flags().StringVar(&loginUserID, "user", "", "User ID; defaults to the token's sub claim")
	loginCmd.Flags().StringVar(&loginName, "name", "", "Display name stored with the session")
	_ = loginCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an access token",
	Long:  "Store an access token obtained from the backend in ~/.pocpoc/session.db.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := loginUserID
		if userID == "" {
			sub, err := tokenSubject(loginToken)
			if err != nil {
				return err
			}
			userID = sub
		}

		rt, _, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.Tokens.SetToken(loginToken, userID); err != nil {
			return fmt.Errorf("failed to store token: %w", err)
		}
		if loginName != "" {
			if err := rt.Tokens.SetUserName(loginName); err != nil {
				return fmt.Errorf("failed to store name: %w", err)
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Logged in.")
		fmt.Fprintf(out, "  User ID: %s\n", userID)
		session, _ := rt.Tokens.Session()
		if session.ExpiresAt.IsZero() || !rt.Tokens.IsValid() {
			fmt.Fprintln(out, "  Warning: token has no valid expiry; it will be refreshed on first use")
		} else {
			fmt.Fprintf(out, "  Token expires: %s\n", session.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, _, err := openRuntime()
		if err != nil {
			return err
		}
		if err := rt.Logout(); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}

// tokenSubject reads the sub claim. The signature is not verified.
func tokenSubject(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("cannot decode token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no sub claim; pass --user")
	}
	return sub, nil
}
