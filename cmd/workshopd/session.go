package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"workshopd/internal/config"
	"workshopd/internal/logging"
	"workshopd/internal/observability"
	"workshopd/internal/steam"
)

func newSessionAdapter(configPath *string) (*steam.Adapter, config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, config.Config{}, err
	}
	if cfg.Steam.Anonymous() {
		return nil, config.Config{}, fmt.Errorf("no steam.username configured; session commands need credentials")
	}

	homeDir, err := steam.HomeDirFor(cfg.DownloadRoot)
	if err != nil {
		return nil, config.Config{}, err
	}
	obs := observability.NewLogger(cfg.Logging)
	adapter := steam.NewAdapter(cfg.Steam, noopFinder{}, homeDir, logging.FromObservability(obs, "steam"))
	return adapter, cfg, nil
}

// noopFinder satisfies the adapter's content lookup; session commands never
// download anything.
type noopFinder struct{}

func (noopFinder) FindContent(string, uint64, string) (string, bool) { return "", false }

func newVerifySessionCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-session",
		Short: "Check whether the saved steam login still works",
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, cfg, err := newSessionAdapter(configPath)
			if err != nil {
				return err
			}

			if adapter.VerifySession(cmd.Context()) {
				fmt.Printf("%s session for %s is valid\n", green("✓"), bold(cfg.Steam.Username))
				return nil
			}
			fmt.Printf("%s session for %s is not valid; run %s to bootstrap it\n",
				yellow("!"), bold(cfg.Steam.Username), bold("workshopd auth"))
			return fmt.Errorf("session verification failed")
		},
	}
}

func newAuthCommand(configPath *string) *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Bootstrap the steam session with a Steam Guard code",
		Long:  "Performs the one-time interactive login so later downloads can reuse the saved session.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, cfg, err := newSessionAdapter(configPath)
			if err != nil {
				return err
			}
			if cfg.Steam.Password == "" {
				return fmt.Errorf("steam.password must be configured for auth")
			}

			guard := strings.TrimSpace(code)
			if guard == "" {
				guard = strings.TrimSpace(cfg.Steam.GuardCode)
			}
			if guard == "" {
				if !term.IsTerminal(int(os.Stdin.Fd())) {
					return fmt.Errorf("no guard code given and stdin is not a terminal; pass --code")
				}
				prompt := promptui.Prompt{
					Label: "Steam Guard code",
					Validate: func(input string) error {
						if len(strings.TrimSpace(input)) < 5 {
							return fmt.Errorf("code is at least 5 characters")
						}
						return nil
					},
				}
				guard, err = prompt.Run()
				if err != nil {
					return fmt.Errorf("read guard code: %w", err)
				}
				guard = strings.TrimSpace(guard)
			}

			retry, err := adapter.AuthenticateWithSecondFactor(cmd.Context(), guard)
			if err != nil {
				return err
			}
			if retry != nil {
				fmt.Printf("%s steam still asks for a %s code; the code was wrong or stale\n",
					red("✗"), retry.SecondFactor)
				return fmt.Errorf("authentication not accepted")
			}
			fmt.Printf("%s session for %s verified and saved\n", green("✓"), bold(cfg.Steam.Username))
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "Steam Guard code (prompted for when omitted)")
	return cmd
}
