// Package config loads process configuration: defaults, an optional config
// file, and CHATMARK_* environment overrides (the repair credential usually
// arrives through the environment).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load builds the configuration. path may be empty, in which case only
// defaults and environment variables apply; a named file that cannot be read
// is an error.
func Load(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHATMARK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 0)

	v.SetDefault("content.attachments_dir", ".attachments")

	v.SetDefault("repair.base_url", "https://api.openai.com/v1")
	v.SetDefault("repair.api_key", "")
	v.SetDefault("repair.model", "gpt-4o-mini")
	v.SetDefault("repair.timeout_seconds", 60)
	v.SetDefault("repair.prompt_price_per_1k", 0.0)
	v.SetDefault("repair.completion_price_per_1k", 0.0)

	v.SetDefault("render.broken_image_indicator", "")

	v.SetDefault("log.filename", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 14)
	v.SetDefault("log.compress", true)
}
