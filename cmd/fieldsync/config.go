package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mmb-retail/fieldsync/internal/config"
	"github.com/mmb-retail/fieldsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "admin",
	Short:   "Create and inspect the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the defaults",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := config.DefaultPath()
		if configPath != "" {
			path = configPath
		}
		if len(args) == 1 {
			path = args[0]
		}

		if err := config.WriteDefault(path, force); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			if !force {
				fmt.Fprintf(os.Stderr, "Use --force to overwrite it\n")
			}
			os.Exit(1)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Println("Set remote.dsn (or FIELDSYNC_REMOTE_DSN) to enable syncing.")
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after the file, FIELDSYNC_* variables and flags
were applied. The remote password is masked.`,
	Run: func(cmd *cobra.Command, args []string) {
		if _, err := loadConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		settings := v.AllSettings()
		if remote, ok := settings["remote"].(map[string]interface{}); ok {
			if dsn, ok := remote["dsn"].(string); ok && dsn != "" {
				remote["dsn"] = maskDSN(dsn)
			}
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		_ = enc.Close()
	},
}

var dsnPassword = regexp.MustCompile(`password=('[^']*'|\S+)`)

// maskDSN hides the password of a URL or keyword/value connection string.
func maskDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		return u.Redacted()
	}
	return dsnPassword.ReplaceAllString(dsn, "password=xxxxx")
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
