package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/htoorannysaurus/claude-telegram-bot/internal/logutil"
)

var secretKeys = []string{"telegram.bot_token"}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeEffectiveConfig(cmd.OutOrStdout(), viper.AllSettings())
		},
	}
}

func writeEffectiveConfig(w io.Writer, settings map[string]any) error {
	for _, key := range secretKeys {
		redactSetting(settings, strings.Split(key, "."))
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func redactSetting(m map[string]any, path []string) {
	if len(path) == 0 || m == nil {
		return
	}
	v, ok := m[path[0]]
	if !ok {
		return
	}
	if len(path) == 1 {
		if s, ok := v.(string); ok && s != "" {
			m[path[0]] = logutil.Redact(s)
		}
		return
	}
	if child, ok := v.(map[string]any); ok {
		redactSetting(child, path[1:])
	}
}
