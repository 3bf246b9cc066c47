package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"kabu-trader/internal/security"
)

func newAccountCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage the broker API account",
	}
	cmd.AddCommand(newAccountSaveCmd(app))
	cmd.AddCommand(newAccountShowCmd(app))
	return cmd
}

func newAccountSaveCmd(app *App) *cobra.Command {
	var (
		name     string
		baseURL  string
		inactive bool
	)

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save the API account and make it active",
		Long: `Save the API account used for every broker call. The API password is
read from KABU_API_PASSWORD or prompted on stdin, and sealed with the
master password before it is stored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if baseURL == "" {
				baseURL = app.Config.Broker.BaseURL
			}

			password := os.Getenv("KABU_API_PASSWORD")
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "API password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading password: %w", err)
				}
				password = strings.TrimSpace(line)
			}

			eng, err := app.engine()
			if err != nil {
				return err
			}
			id, err := eng.SaveAccount(cmd.Context(), name, baseURL, password, !inactive)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"id": id, "name": name, "base_url": baseURL})
			}
			output.Success("Account %q saved (id %d)", name, id)
			if app.Config.Security.MasterPassword == "" {
				output.Warning("No master password configured; the API password is stored unsealed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "account name")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "API base URL (default: broker.base_url)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "save without activating")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newAccountShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active API account",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			eng, err := app.engine()
			if err != nil {
				return err
			}
			acct, err := eng.LoadAccount(cmd.Context())
			if err != nil {
				return err
			}
			masked := security.MaskCredential(acct.Password)

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"id":              acct.ID,
					"name":            acct.Name,
					"base_url":        acct.BaseURL,
					"password_masked": masked,
					"updated_at":      acct.UpdatedAt,
				})
			}
			output.Bold("Active account")
			output.Printf("  Name:     %s\n", acct.Name)
			output.Printf("  Base URL: %s\n", acct.BaseURL)
			output.Printf("  Password: %s\n", masked)
			output.Printf("  Updated:  %s\n", FormatDateTime(acct.UpdatedAt))
			return nil
		},
	}
}
