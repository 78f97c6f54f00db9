package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/gopherchef/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("GopherChef Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Workspace = prompt(scanner, "Workspace root", cfg.Workspace)
		cfg.HTTP.Listen = prompt(scanner, "API listen address", cfg.HTTP.Listen)
		cfg.HTTP.Token = prompt(scanner, "API bearer token (optional)", cfg.HTTP.Token)

		concurrent := prompt(scanner, "Sessions executing at once", strconv.Itoa(cfg.Queue.MaxConcurrent))
		if n, err := strconv.Atoi(concurrent); err == nil && n > 0 {
			cfg.Queue.MaxConcurrent = n
		}

		cfg.Actions.DeployCommand = prompt(scanner, "Deploy command", cfg.Actions.DeployCommand)

		keep := prompt(scanner, "Snapshots kept per chat", strconv.Itoa(cfg.Snapshot.Keep))
		if n, err := strconv.Atoi(keep); err == nil && n > 0 {
			cfg.Snapshot.Keep = n
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
