package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/teleclaw/internal/config"
	"github.com/nextlevelbuilder/teleclaw/internal/telegram"
)

func setupCmd() *cobra.Command {
	var noSecrets bool
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run wizard",
		Run: func(cmd *cobra.Command, args []string) {
			runSetup(noSecrets)
		},
	}
	cmd.Flags().BoolVar(&noSecrets, "no-secrets", false, "keep the bot token out of the config file (env only)")
	return cmd
}

func runSetup(noSecrets bool) {
	_ = godotenv.Load()

	stateDir := resolveStateDir()
	cfgPath := filepath.Join(stateDir, config.FileName)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("Could not read existing config: %s\n", err)
		os.Exit(1)
	}

	// Pre-fill from whatever is already configured so re-running the
	// wizard edits rather than resets.
	token := cfg.Telegram.Token
	provider := cfg.Defaults.Provider
	model := cfg.Defaults.Model
	favourites := strings.Join(cfg.Controller.FavouriteModels, ", ")
	autoOpen := cfg.Controller.AutoOpenBrowser

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Written to the config file unless --no-secrets is given.").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("token is required")
					}
					return nil
				}).
				Value(&token),
			huh.NewInput().
				Title("Default provider").
				Placeholder("anthropic").
				Value(&provider),
			huh.NewInput().
				Title("Default model").
				Placeholder("claude-sonnet-4-5").
				Value(&model),
			huh.NewInput().
				Title("Favourite models").
				Description("Comma-separated provider/model pairs offered by /models.").
				Placeholder("anthropic/claude-sonnet-4-5, openai/gpt-5").
				Value(&favourites),
			huh.NewConfirm().
				Title("Open the agent web UI in a browser on first contact?").
				Value(&autoOpen),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println("Setup aborted.")
		os.Exit(1)
	}

	fmt.Print("Checking token against the Bot API... ")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	bot, err := telegram.NewClient(ctx, strings.TrimSpace(token))
	cancel()
	if err != nil {
		fmt.Println("FAILED")
		fmt.Printf("  %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("ok, bot is @%s\n", bot.Username())

	cfg.Telegram.Token = strings.TrimSpace(token)
	cfg.Defaults.Provider = strings.TrimSpace(provider)
	cfg.Defaults.Model = strings.TrimSpace(model)
	cfg.Controller.StateDir = stateDir
	cfg.Controller.AutoOpenBrowser = autoOpen
	cfg.Controller.FavouriteModels = nil
	for _, part := range strings.Split(favourites, ",") {
		if part = strings.TrimSpace(part); part != "" {
			cfg.Controller.FavouriteModels = append(cfg.Controller.FavouriteModels, part)
		}
	}
	for _, entry := range cfg.Controller.FavouriteModels {
		if _, ok := config.ParseModelRef(entry); !ok {
			fmt.Printf("  warning: %q is not provider/model, the picker will skip it\n", entry)
		}
	}

	if noSecrets {
		cfg.Telegram.Token = ""
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("Could not write %s: %s\n", cfgPath, err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Wrote %s\n", cfgPath)
	if noSecrets {
		fmt.Println("The token was not written. Export it before starting:")
		fmt.Println()
		fmt.Println("  export TELEGRAM_BOT_TOKEN=...")
	}
	fmt.Println()
	fmt.Println("Start the daemon with:  teleclaw serve")
}
