package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/kiroku/internal/chatlog"
	"github.com/stellarlinkco/kiroku/internal/config"
	"github.com/stellarlinkco/kiroku/internal/cron"
	"github.com/stellarlinkco/kiroku/internal/gateway"
	"github.com/stellarlinkco/kiroku/internal/memory"
)

var rootCmd = &cobra.Command{
	Use:   "kiroku",
	Short: "kiroku - conversational companion with consolidating memory",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (channels + web UI + maintenance scheduler)",
	RunE:  runServe,
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run memory maintenance once and exit",
	RunE:  runMaintain,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and workspace",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kiroku status",
	RunE:  runStatus,
}

var dateFlag string

func init() {
	maintainCmd.Flags().StringVar(&dateFlag, "date", "", "Target day (YYYY-MM-DD, default yesterday)")
	rootCmd.AddCommand(serveCmd, maintainCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'kiroku onboard' or set KIROKU_API_KEY / ANTHROPIC_API_KEY")
	}
	if len(cfg.Characters) == 0 {
		return fmt.Errorf("no characters registered. Run 'kiroku onboard' and edit %s", config.ConfigPath())
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runMaintain(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Characters) == 0 {
		return fmt.Errorf("no characters registered")
	}

	store, err := chatlog.NewStore(config.ChatLogPath())
	if err != nil {
		return fmt.Errorf("open chat log: %w", err)
	}
	defer store.Close()

	tiers := memory.NewTierStore(cfg.Agent.Workspace)
	summarizer := memory.NewSummarizer(cfg)
	cons := memory.NewConsolidator(store, tiers, summarizer, cfg.User.Name, cfg.Consolidation.ReplaceFirstRun())

	report := cron.NewService(cfg, cons).RunMaintenance(dateFlag)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Println(string(data))

	if len(report.Failures) > 0 {
		return fmt.Errorf("maintenance finished with %d failure(s)", len(report.Failures))
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		cfg.Characters = map[string]config.Character{
			"aya": {Name: "Aya"},
		}
		if err := config.SaveConfig(cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	for _, id := range cfg.CharacterIDs() {
		dir := cfg.CharacterDir(id)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create character dir %s: %w", id, err)
		}
		character := cfg.Characters[id]
		if character.IsGroup() {
			continue
		}
		writeIfNotExists(filepath.Join(dir, "persona.md"), fmt.Sprintf(defaultPersonaMD, character.Name))
		writeIfNotExists(filepath.Join(dir, "user.md"), defaultUserMD)
		writeIfNotExists(filepath.Join(dir, "format.md"), defaultFormatMD)
	}

	fmt.Printf("Workspace ready: %s\n", cfg.Agent.Workspace)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and characters\n", cfgPath)
	fmt.Println("  2. Or set KIROKU_API_KEY environment variable")
	fmt.Println("  3. Run 'kiroku serve' to start chatting")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("Maintenance: daily at %s, weekly on %s\n",
		cfg.Consolidation.MaintenanceAt, cfg.Consolidation.WeeklyWeekday)

	ids := cfg.CharacterIDs()
	if len(ids) == 0 {
		fmt.Println("Characters: none (run 'kiroku onboard')")
		return nil
	}

	tiers := memory.NewTierStore(cfg.Agent.Workspace)
	fmt.Printf("Characters: %d\n", len(ids))
	for _, id := range ids {
		character := cfg.Characters[id]
		kind := "character"
		if character.IsGroup() {
			kind = fmt.Sprintf("group of %d", len(character.Members))
		}

		short, _ := tiers.LoadShort(id)
		medium, _ := tiers.LoadMedium(id)
		long, _ := tiers.LoadLong(id)
		fmt.Printf("  %s (%s): short=%d days, medium=%d days, long=%d weeks\n",
			id, kind, len(short), len(medium), len(long))
	}

	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func writeIfNotExists(path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Printf("  Created: %s\n", path)
	}
}

const defaultPersonaMD = `# %s

You are a warm, attentive conversational companion.

- Speak naturally, like a close friend who knows the user's daily life
- Keep replies short unless the topic calls for depth
- Draw on your memory sections when something from a past day is relevant
`

const defaultUserMD = `# User

Notes about the person you talk with. Fill in what matters:
name, habits, preferences, things they care about.
`

const defaultFormatMD = `# Output Rules

- Plain conversational text, no markdown headers
- Never prefix replies with a clock time or date tag
`
