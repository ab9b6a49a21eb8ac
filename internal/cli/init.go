package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example config file",
	RunE:  initAction,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func initAction(_ *cobra.Command, _ []string) error {
	if dir := filepath.Dir(configPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	content := exampleConfig
	if filepath.Ext(configPath) == ".toml" {
		content = exampleConfigTOML
	}

	wrote, err := writeIfNotExists(configPath, []byte(content))
	if err != nil {
		return err
	}
	if wrote {
		fmt.Printf("Initialized %s. Export %s and %s, then run 'glashatay serve'.\n",
			configPath, "TELEGRAM_BOT_TOKEN", "VK_SERVICE_KEY")
	} else {
		fmt.Printf("Config %s already exists.\n", configPath)
	}
	return nil
}

// writeIfNotExists writes data to path if the file does not exist.
// Returns true if the file was created.
func writeIfNotExists(path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("  exists: %s\n", path)
		return false, nil
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("  created: %s\n", path)
	return true, nil
}

const exampleConfig = `# glashatay configuration

vk:
  service_key_env: VK_SERVICE_KEY
  api_version: "5.137"
  language: ru
  requests_per_second: 3
  debug:
    save_responses: false
    responses_dir: vk-responses

telegram:
  bot_token_env: TELEGRAM_BOT_TOKEN
  messages_per_second: 1

storage:
  driver: sqlite          # sqlite or redis
  path: glashatay.db
  backup: true
  # redis:
  #   addr: localhost:6379
  #   password_env: REDIS_PASSWORD
  #   prefix: "glashatay:"

poller:
  page_size: 5
  default_interval: 5m

admin:
  listen: 127.0.0.1:8080
  # jwt_secret_env: GLASHATAY_JWT_SECRET

log:
  level: info
  format: console

privacy:
  redact:
    enabled: false
    patterns: []
`

const exampleConfigTOML = `# glashatay configuration

[vk]
service_key_env = "VK_SERVICE_KEY"
api_version = "5.137"
language = "ru"
requests_per_second = 3

[telegram]
bot_token_env = "TELEGRAM_BOT_TOKEN"
messages_per_second = 1

[storage]
driver = "sqlite"
path = "glashatay.db"
backup = true

[poller]
page_size = 5
default_interval = "5m"

[admin]
listen = "127.0.0.1:8080"

[log]
level = "info"
format = "console"
`
