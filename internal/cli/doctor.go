package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vklachkov/glashatay/internal/config"
	"github.com/vklachkov/glashatay/internal/deliver"
)

const doctorTimeout = 15 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check config, storage and remote APIs",
	RunE:  doctorAction,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func doctorAction(cmd *cobra.Command, _ []string) error {
	ok := true

	// Config file
	cfg, err := config.Load(configPath)
	if err != nil {
		printCheck(false, "%s: %v", configPath, err)
		return fmt.Errorf("some checks failed")
	}
	printCheck(true, "%s (storage %s, admin %s)", configPath, cfg.Storage.Driver, cfg.Admin.Listen)

	// Secrets
	if cfg.Telegram.BotToken == "" {
		printCheck(false, "bot token: $%s is not set", cfg.Telegram.BotTokenEnv)
		ok = false
	} else {
		printCheck(true, "bot token $%s", cfg.Telegram.BotTokenEnv)
	}
	if cfg.VK.ServiceKey == "" {
		printCheck(false, "vk service key: $%s is not set", cfg.VK.ServiceKeyEnv)
		ok = false
	} else {
		printCheck(true, "vk service key $%s", cfg.VK.ServiceKeyEnv)
	}
	if cfg.Admin.JWTSecretEnv != "" && cfg.Admin.JWTSecret == "" {
		printCheck(false, "admin jwt secret: $%s is not set", cfg.Admin.JWTSecretEnv)
		ok = false
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
	defer cancel()

	// Storage
	pairs, closeStore, err := openStore(ctx, cfg, zap.NewNop())
	if err != nil {
		printCheck(false, "storage: %v", err)
		ok = false
	} else {
		defer closeStore()
		listed, err := pairs.ListPairs(ctx)
		if err != nil {
			printCheck(false, "storage: %v", err)
			ok = false
		} else {
			printCheck(true, "storage %s (%d pairs)", cfg.Storage.Driver, len(listed))
		}
	}

	// Redaction patterns
	if _, err := buildConverter(cfg); err != nil {
		printCheck(false, "%v", err)
		ok = false
	}

	// Telegram bot
	if cfg.Telegram.BotToken != "" {
		bot, err := deliver.NewTelegram(deliver.TelegramOptions{
			APIBase: cfg.Telegram.APIBase,
			Token:   cfg.Telegram.BotToken,
			Timeout: cfg.Telegram.RequestTimeout.Duration,
		})
		if err == nil {
			var me deliver.User
			me, err = bot.GetMe(ctx)
			if err == nil {
				printCheck(true, "telegram bot @%s", me.Username)
			}
		}
		if err != nil {
			printCheck(false, "telegram bot: %v", err)
			ok = false
		}
	}

	// Admin API (info-level, the service may simply not be running)
	checkAdmin(ctx, cfg.Admin.URL)

	if !ok {
		return fmt.Errorf("some checks failed")
	}
	fmt.Println("\nAll checks passed.")
	return nil
}

func checkAdmin(ctx context.Context, baseURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		printInfo("admin api: %v", err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		printInfo("admin api not reachable at %s (is 'glashatay serve' running?)", baseURL)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printInfo("admin api at %s answered HTTP %d", baseURL, resp.StatusCode)
		return
	}
	printInfo("admin api up at %s", baseURL)
}

func printCheck(pass bool, format string, args ...any) {
	mark := "FAIL"
	if pass {
		mark = " OK "
	}
	fmt.Printf("[%s] %s\n", mark, fmt.Sprintf(format, args...))
}

func printInfo(format string, args ...any) {
	fmt.Printf("[INFO] %s\n", fmt.Sprintf(format, args...))
}
