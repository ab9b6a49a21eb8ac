// Command glashatay forwards VK walls and RSS feeds into Telegram chats.
//
// Usage:
//
//	glashatay init -c glashatay.yaml   # write an example config
//	glashatay serve -c glashatay.yaml  # run the service
//	glashatay pair add apiclub --chat -1001234567890
package main

import (
	"os"

	"github.com/vklachkov/glashatay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}
