package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "familyctl",
	Short: "Family access CLI",
	Long:  "A CLI for issuing and managing family access links.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(accessCmd())
	rootCmd.AddCommand(attemptsCmd())
	rootCmd.AddCommand(adminCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage CLI configuration"}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Save server address and staff key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetString("address"); v != "" {
				cfg.Address = v
			}
			if v, _ := cmd.Flags().GetString("staff-key"); v != "" {
				cfg.StaffKey = v
			}
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Config saved to " + configPath())
			return nil
		},
	}
	setCmd.Flags().String("address", "", "Server address, e.g. https://pei.example.org")
	setCmd.Flags().String("staff-key", "", "Staff API key (fsk_...)")

	cmd.AddCommand(setCmd)
	return cmd
}

// --- token ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Issue and manage family access tokens"}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new access token for a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			planID, _ := cmd.Flags().GetString("plan")
			studentID, _ := cmd.Flags().GetString("student")
			days, _ := cmd.Flags().GetInt("days")
			uses, _ := cmd.Flags().GetInt("uses")
			email, _ := cmd.Flags().GetString("notify")

			body := map[string]any{
				"plan_id":       planID,
				"student_id":    studentID,
				"lifetime_days": days,
				"usage_limit":   uses,
			}
			if email != "" {
				body["notify_email"] = email
			}
			client := newClient()
			result, err := client.post("/v1/tokens", body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	issueCmd.Flags().String("plan", "", "Plan ID (required)")
	issueCmd.Flags().String("student", "", "Student ID (required)")
	issueCmd.Flags().Int("days", 7, "Lifetime in days: 1, 3, 7, 14 or 30")
	issueCmd.Flags().Int("uses", 10, "Usage limit: 1, 5, 10, 25 or 50")
	issueCmd.Flags().String("notify", "", "Email the access link to this address")
	issueCmd.MarkFlagRequired("plan")    //nolint:errcheck
	issueCmd.MarkFlagRequired("student") //nolint:errcheck

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List token metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if v, _ := cmd.Flags().GetString("student"); v != "" {
				q.Set("student", v)
			}
			if v, _ := cmd.Flags().GetString("plan"); v != "" {
				q.Set("plan", v)
			}
			if v, _ := cmd.Flags().GetString("tenant"); v != "" {
				q.Set("tenant", v)
			}
			path := "/v1/tokens"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			client := newClient()
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	listCmd.Flags().String("student", "", "Filter by student ID")
	listCmd.Flags().String("plan", "", "Filter by plan ID")
	listCmd.Flags().String("tenant", "", "Tenant ID (superadmin only)")

	revokeCmd := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			_, err := client.post("/v1/tokens/"+args[0]+"/revoke", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Token revoked.")
			return nil
		},
	}

	cmd.AddCommand(issueCmd, listCmd, revokeCmd)
	return cmd
}

// --- access ---

func accessCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "access", Short: "Family access link operations"}

	checkCmd := &cobra.Command{
		Use:   "check <secret>",
		Short: "Redeem an access link secret (consumes one use)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("token", args[0])
			if v, _ := cmd.Flags().GetString("student"); v != "" {
				q.Set("student", v)
			}
			if v, _ := cmd.Flags().GetString("plan"); v != "" {
				q.Set("plan", v)
			}
			client := newClient()
			result, err := client.get("/family/access?" + q.Encode())
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	checkCmd.Flags().String("student", "", "Expected student ID")
	checkCmd.Flags().String("plan", "", "Expected plan ID")

	cmd.AddCommand(checkCmd)
	return cmd
}

// --- attempts ---

func attemptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "Inspect the access-attempt audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if v, _ := cmd.Flags().GetString("token"); v != "" {
				q.Set("token", v)
			}
			if v, _ := cmd.Flags().GetString("success"); v != "" {
				q.Set("success", v)
			}
			if v, _ := cmd.Flags().GetString("since"); v != "" {
				q.Set("since", v)
			}
			if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
				q.Set("limit", fmt.Sprintf("%d", v))
			}
			path := "/v1/attempts"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			client := newClient()
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("token", "", "Filter by token ID")
	cmd.Flags().String("success", "", "Filter by outcome: true or false")
	cmd.Flags().String("since", "", "Only attempts after this RFC 3339 timestamp")
	cmd.Flags().Int("limit", 0, "Maximum attempts to return")
	return cmd
}

// --- admin ---

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "admin", Short: "Administrative operations"}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete revoked and long-expired tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			retain, _ := cmd.Flags().GetString("retain-for")
			body := map[string]any{}
			if retain != "" {
				body["retain_for"] = retain
			}
			client := newClient()
			result, err := client.post("/v1/admin/purge", body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	purgeCmd.Flags().String("retain-for", "", "Keep expired tokens younger than this duration (e.g. 720h)")

	cmd.AddCommand(purgeCmd)
	return cmd
}
