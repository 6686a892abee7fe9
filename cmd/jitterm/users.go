package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pkt.systems/jitterm"
)

// NewUsersCommand builds the users management command. It edits the users
// file directly; a running server reloads it within a second.
func NewUsersCommand(loader *jitterm.Loader) *cobra.Command {
	var usersFileFlag string

	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&usersFileFlag, "users-file", jitterm.DefaultUsersPath(), "path to users file")

	usersFile := func(cmd *cobra.Command) (string, error) {
		cfg, err := loader.Load()
		if err != nil {
			return "", err
		}
		path := cfg.Server.UsersFile
		if cmd.Flags().Changed("users-file") {
			path = usersFileFlag
		}
		path = strings.TrimSpace(path)
		if path == "" {
			return "", fmt.Errorf("users file is required")
		}
		return path, nil
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := usersFile(cmd)
			if err != nil {
				return err
			}
			users, err := jitterm.UsersList(path)
			if err != nil {
				return err
			}
			resp := make([]userSummary, 0, len(users))
			for _, user := range users {
				resp = append(resp, userSummary{
					ID:        user.ID,
					Username:  user.Username,
					Role:      string(user.Role),
					TOTP:      user.TOTPSecret != "",
					CreatedAt: user.CreatedAt,
				})
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	var addRole string
	var addDisplay string
	var addPrompt bool
	var addTOTP bool
	addCmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := usersFile(cmd)
			if err != nil {
				return err
			}
			password := ""
			if addPrompt {
				if password, err = promptPassword("Password: "); err != nil {
					return err
				}
			}
			resp, err := jitterm.UsersAdd(path, jitterm.UserCreateOptions{
				Username:    strings.TrimSpace(args[0]),
				DisplayName: addDisplay,
				Role:        jitterm.Role(addRole),
				Password:    password,
				TOTP:        addTOTP,
				Now:         time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			printUserCreate(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	addCmd.Flags().StringVar(&addRole, "role", string(jitterm.RoleUser), "role: super_admin, admin, ai_agent, omai or user")
	addCmd.Flags().StringVar(&addDisplay, "display-name", "", "display name recorded in audit events")
	addCmd.Flags().BoolVar(&addPrompt, "prompt", false, "prompt for password")
	addCmd.Flags().BoolVar(&addTOTP, "totp", false, "enroll TOTP")

	var passwdPrompt bool
	passwdCmd := &cobra.Command{
		Use:   "passwd <username>",
		Short: "Change a user's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := usersFile(cmd)
			if err != nil {
				return err
			}
			password := ""
			if passwdPrompt {
				if password, err = promptPassword("Password: "); err != nil {
					return err
				}
			}
			resp, err := jitterm.UsersPasswd(path, strings.TrimSpace(args[0]), password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password: %s\n", resp.Password)
			return nil
		},
	}
	passwdCmd.Flags().BoolVar(&passwdPrompt, "prompt", false, "prompt for password")

	rotateCmd := &cobra.Command{
		Use:   "rotate-totp <username>",
		Short: "Enroll or rotate a user's TOTP secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := usersFile(cmd)
			if err != nil {
				return err
			}
			resp, err := jitterm.UsersRotateTOTP(path, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			printUserTOTP(cmd.OutOrStdout(), resp)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := usersFile(cmd)
			if err != nil {
				return err
			}
			if _, err := jitterm.UsersDelete(path, strings.TrimSpace(args[0])); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "user deleted")
			return nil
		},
	}

	cmd.AddCommand(listCmd, addCmd, passwdCmd, rotateCmd, deleteCmd)
	return cmd
}

type userSummary struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	TOTP      bool      `json:"totp"`
	CreatedAt time.Time `json:"created_at"`
}

func promptPassword(label string) (string, error) {
	fmt.Fprint(os.Stdout, label)
	passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stdout)
	if err != nil {
		return "", err
	}
	return string(passwordBytes), nil
}

func printUserCreate(w io.Writer, resp jitterm.UserCreateResult) {
	_, _ = fmt.Fprintf(w, "username: %s\n", resp.User.Username)
	_, _ = fmt.Fprintf(w, "role: %s\n", resp.User.Role)
	_, _ = fmt.Fprintf(w, "password: %s\n", resp.Password)
	printTOTP(w, resp.TOTPSecret, resp.TOTPURL)
}

func printUserTOTP(w io.Writer, resp jitterm.UserTOTPResult) {
	_, _ = fmt.Fprintf(w, "username: %s\n", resp.User.Username)
	printTOTP(w, resp.TOTPSecret, resp.TOTPURL)
}

func printTOTP(w io.Writer, secret, url string) {
	if secret != "" {
		_, _ = fmt.Fprintf(w, "totp_secret: %s\n", secret)
	}
	if strings.TrimSpace(url) == "" {
		return
	}
	_, _ = fmt.Fprintf(w, "otpauth_url: %s\n", url)
	_, _ = fmt.Fprintln(w, "totp_qr:")
	qrterminal.GenerateHalfBlock(url, qrterminal.L, w)
}
