package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"schoolchat/session"
)

func init() {
	loginCmd.Flags().StringP("email", "e", "", "account email")
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the session token",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		reader := bufio.NewReader(os.Stdin)

		email, _ := cmd.Flags().GetString("email")
		if email == "" {
			var err error
			if email, err = promptLine(reader, "Email: "); err != nil {
				return err
			}
		}
		password, err := promptPassword(reader, "Password: ")
		if err != nil {
			return err
		}

		token, err := a.client.Login(cmd.Context(), email, password)
		if err != nil {
			return err
		}
		if err := a.tokens.SetToken(token); err != nil {
			return fmt.Errorf("store token: %w", err)
		}
		// Pick up the new header right away.
		a.client.RefreshAuth()

		claims, err := a.tokens.Claims()
		if err != nil {
			return err
		}
		fmt.Printf("Logged in as %s (id %d, role %s)\n", displayName(claims), claims.UserID, claims.Role)
		return nil
	}),
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		if err := a.tokens.Clear(); err != nil {
			return fmt.Errorf("clear token: %w", err)
		}
		a.client.Reset()
		a.notifier.Disconnect()
		fmt.Println("Logged out")
		return nil
	}),
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		claims, err := a.tokens.Claims()
		if errors.Is(err, session.ErrNoToken) {
			fmt.Println("Not logged in")
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Printf("User:     %s\n", displayName(claims))
		fmt.Printf("User ID:  %d\n", claims.UserID)
		fmt.Printf("Role:     %s\n", claims.Role)
		if !claims.ExpiresAt.IsZero() {
			status := "valid"
			if claims.Expired(time.Now()) {
				status = "expired"
			}
			fmt.Printf("Expires:  %s (%s)\n", claims.ExpiresAt.Local().Format(time.DateTime), status)
		}
		fmt.Printf("Backend:  %s\n", a.client.BaseURL())
		return nil
	}),
}

func displayName(claims *session.Claims) string {
	if claims.UserName != "" {
		return claims.UserName
	}
	return fmt.Sprintf("user %d", claims.UserID)
}

func promptLine(reader *bufio.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(reader *bufio.Reader, label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptLine(reader, label)
	}

	fmt.Print(label)
	raw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}
