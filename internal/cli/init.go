package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentgate-dev/agentgate/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")
			if output == "" {
				output = "agentgate.json"
			}
			if defaults {
				return writeDefaultConfig(output)
			}
			return runInitPrompts(defaultPrompter(), output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./agentgate.json)")
	cmd.Flags().Bool("defaults", false, "generate config non-interactively with secure defaults")
	return cmd
}

func runInitPrompts(p *prompter, output string) error {
	var cfg config.Config

	cfg.Server.Host = p.ask("Listen host", "0.0.0.0")
	fmt.Sscanf(p.ask("Listen port", "8080"), "%d", &cfg.Server.Port)
	cfg.Storage.Driver = p.ask("Storage driver (sqlite/postgres)", "sqlite")
	if cfg.Storage.Driver == "postgres" {
		cfg.Storage.DSN = p.ask("Postgres DSN", "")
	} else {
		cfg.Storage.DSN = p.ask("SQLite database path", "agentgate.db")
	}
	cfg.Agent.Command = p.ask("Agent CLI command", "claude")

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}
	cfg.Auth.JWTSecret = secret

	adminUser := p.ask("Initial admin username", "admin")
	adminPass := p.askPassword("Initial admin password")
	if adminPass != "" {
		cfg.Auth.InitialAdmin = &config.InitialAdmin{
			Username: adminUser,
			Password: adminPass,
		}
	}

	return writeConfigFile(output, &cfg)
}

func writeDefaultConfig(output string) error {
	var cfg config.Config
	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}
	cfg.Auth.JWTSecret = secret
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = "agentgate.db"
	return writeConfigFile(output, &cfg)
}

func writeConfigFile(path string, cfg *config.Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	// The file holds the JWT secret; keep it private.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
