package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/teleclaw/internal/config"
	"github.com/nextlevelbuilder/teleclaw/internal/pidfile"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("teleclaw doctor")
	fmt.Printf("  Version:   %s\n", Version)
	fmt.Printf("  OS:        %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:        %s\n", runtime.Version())
	fmt.Println()

	cfg, stateDir, err := loadConfig()
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	cfgPath := filepath.Join(stateDir, config.FileName)
	fmt.Printf("  Config:    %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — run: teleclaw setup)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Printf("  State dir: %s", stateDir)
	if err := checkWritable(stateDir); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Telegram:")
	checkSecret("Token", cfg.Telegram.Token)
	if n := len(cfg.Telegram.AllowedChats); n == 0 {
		fmt.Printf("    %-12s open to any chat\n", "Allow-list:")
	} else {
		fmt.Printf("    %-12s %d chat(s)\n", "Allow-list:", n)
	}

	fmt.Println()
	fmt.Println("  Agent:")
	fmt.Printf("    %-12s %s\n", "Type:", cfg.Agent.Type)
	checkBinary(cfg.Agent.Command)
	fmt.Printf("    %-12s %s/%s\n", "Defaults:", cfg.Defaults.Provider, cfg.Defaults.Model)
	if favs := cfg.FavouriteModels(); len(favs) > 0 {
		fmt.Printf("    %-12s %d model(s)\n", "Favourites:", len(favs))
	} else {
		fmt.Printf("    %-12s (none — the /models picker stays empty)\n", "Favourites:")
	}

	fmt.Println()
	fmt.Println("  PID files:")
	reportPidFiles(stateDir)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := value
	if len(masked) > 8 {
		masked = masked[:4] + strings.Repeat("*", len(masked)-8) + masked[len(masked)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s %s (NOT FOUND on PATH)\n", "Command:", name)
	} else {
		fmt.Printf("    %-12s %s\n", "Command:", path)
	}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, nil, 0600); err != nil {
		return err
	}
	return os.Remove(probe)
}

func reportPidFiles(stateDir string) {
	store, err := pidfile.NewStore(filepath.Join(stateDir, "pids"))
	if err != nil {
		fmt.Printf("    (unavailable: %s)\n", err)
		return
	}
	byID, err := store.List()
	if err != nil {
		fmt.Printf("    (unreadable: %s)\n", err)
		return
	}
	if len(byID) == 0 {
		fmt.Println("    (none)")
		return
	}
	stale := 0
	for _, pid := range byID {
		if !pidfile.Alive(pid) {
			stale++
		}
	}
	fmt.Printf("    %-12s %d\n", "Total:", len(byID))
	if stale > 0 {
		fmt.Printf("    %-12s %d (removed on next serve)\n", "Stale:", stale)
	}
}
