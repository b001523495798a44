// draftdesk-license is a support tool for the Local License Agent: it
// manages the same on-device license state the DraftDesk desktop app uses,
// which makes it handy for headless activation and support diagnostics.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/draftdesk/licensing/internal/agent"
	"github.com/draftdesk/licensing/internal/logging"
	"github.com/draftdesk/licensing/pkg/licensing"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const defaultAuthorityURL = "https://licensing.draftdesk.app"

var (
	flagAuthorityURL string
	flagConfigDir    string
	flagEmail        string
	flagName         string
)

var rootCmd = &cobra.Command{
	Use:     "draftdesk-license",
	Short:   "Manage the DraftDesk license on this machine",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logging.Config{
			Format:    "console",
			Level:     "warn",
			Component: "license",
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("draftdesk-license %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate <license-key>",
	Short: "Activate a license key on this machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildAgent()
		if err != nil {
			return err
		}
		lic, err := a.Activate(cmd.Context(), args[0], flagEmail, flagName)
		if err != nil {
			return err
		}
		fmt.Printf("Activated %s plan for %s\n", licensing.GetPlanDisplayName(lic.PlanType), lic.Email)
		fmt.Printf("Expires: %s (%d days remaining)\n", lic.ExpiresAt.Format("2006-01-02"), lic.DaysRemaining())
		return nil
	},
}

var trialCmd = &cobra.Command{
	Use:   "trial",
	Short: "Start the free trial on this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagEmail == "" {
			return fmt.Errorf("--email is required to start a trial")
		}
		a, err := buildAgent()
		if err != nil {
			return err
		}
		lic, err := a.StartTrial(cmd.Context(), flagEmail, flagName)
		if err != nil {
			return err
		}
		fmt.Printf("Trial started, expires %s (%d days)\n", lic.ExpiresAt.Format("2006-01-02"), lic.DaysRemaining())
		if licensing.IsOfflineTrialKey(lic.Key) {
			fmt.Println("Note: the licensing server was unreachable; the trial was issued offline and will be confirmed on next contact.")
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the license on this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildAgent()
		if err != nil {
			return err
		}
		info, err := a.LicenseInfo()
		if err != nil {
			fmt.Println("No license on this machine.")
			return nil
		}
		fmt.Printf("License:  %s\n", info.MaskedKey)
		fmt.Printf("Plan:     %s (%s)\n", info.PlanName, info.Status)
		fmt.Printf("Licensee: %s\n", info.Email)
		fmt.Printf("Expires:  %s (%d days remaining)\n", info.ExpiresAt.Format("2006-01-02"), info.DaysRemaining)
		fmt.Printf("Seats:    %d of %d in use\n", info.SeatsUsed, info.SeatsTotal)
		if info.OfflineTrial {
			fmt.Println("Offline trial pending server confirmation.")
		}
		fmt.Println("Features:")
		for _, f := range info.Features {
			fmt.Printf("  - %s\n", licensing.GetFeatureDisplayName(f))
		}

		if _, err := a.Validate(cmd.Context()); err != nil {
			fmt.Printf("\nLicense is not usable on this machine: %v\n", err)
		}
		return nil
	},
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Release this machine's activation slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildAgent()
		if err != nil {
			return err
		}
		remaining, err := a.Deactivate(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("License deactivated on this machine, %d activation(s) still in use.\n", remaining)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAuthorityURL, "server", envOr("DRAFTDESK_AUTHORITY_URL", defaultAuthorityURL), "license authority base URL")
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "", "override the license state directory")
	for _, cmd := range []*cobra.Command{activateCmd, trialCmd} {
		cmd.Flags().StringVar(&flagEmail, "email", "", "licensee email address")
		cmd.Flags().StringVar(&flagName, "name", "", "licensee name")
	}
	rootCmd.AddCommand(versionCmd, activateCmd, trialCmd, statusCmd, deactivateCmd)
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildAgent() (*agent.Agent, error) {
	dir := flagConfigDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config directory: %w", err)
		}
		dir = filepath.Join(base, "DraftDesk", "license")
	}

	cache, err := agent.NewCache(dir)
	if err != nil {
		return nil, err
	}
	secrets, err := agent.NewFileSecretStore(filepath.Join(dir, "secrets"))
	if err != nil {
		return nil, err
	}
	machineID, err := agent.ResolveMachineID(context.Background(), dir)
	if err != nil {
		return nil, fmt.Errorf("resolve machine id: %w", err)
	}

	client := agent.NewHTTPAuthorityClient(flagAuthorityURL)
	return agent.New(cache, client, secrets, machineID)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
