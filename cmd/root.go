package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/teleclaw/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/teleclaw/cmd.Version=v1.0.0"
var Version = "dev"

var (
	stateDirFlag string
	providerFlag string
	modelFlag    string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "teleclaw",
	Short: "Teleclaw — Telegram controller for local coding agents",
	Long:  "Teleclaw: a daemon that multiplexes one Telegram bot across locally spawned coding-agent servers. Chats and forum topics bind to agent instances; text is forwarded both ways, and agent permission prompts surface as inline keyboards.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDirFlag, "state-dir", "", "state directory (default: ~/.local/share/telegram_controller or $TELECLAW_STATE_DIR)")
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "default model provider for new instances")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "default model for new instances")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("teleclaw %s\n", Version)
		},
	}
}

// resolveStateDir picks the state directory before the config file is
// read, because the file lives inside it. Flag beats env beats default.
func resolveStateDir() string {
	if stateDirFlag != "" {
		return config.ExpandHome(stateDirFlag)
	}
	if v := os.Getenv("TELECLAW_STATE_DIR"); v != "" {
		return config.ExpandHome(v)
	}
	return config.ExpandHome(config.Default().Controller.StateDir)
}

// loadConfig overlays .env, reads the config file from the state dir and
// applies flag overrides on top.
func loadConfig() (*config.Config, string, error) {
	_ = godotenv.Load()

	stateDir := resolveStateDir()
	cfg, err := config.Load(filepath.Join(stateDir, config.FileName))
	if err != nil {
		return nil, "", err
	}
	cfg.Controller.StateDir = stateDir
	if providerFlag != "" {
		cfg.Defaults.Provider = providerFlag
	}
	if modelFlag != "" {
		cfg.Defaults.Model = modelFlag
	}
	return cfg, stateDir, nil
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
