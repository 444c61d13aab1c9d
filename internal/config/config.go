// Package config loads clawdorio's runtime configuration: a config.yaml
// search path plus CLAWDORIO_-prefixed environment overrides, following the
// same viper setup as the teacher's server command.
package config

import (
	"github.com/spf13/viper"
)

// Config is the resolved configuration for the serve command.
type Config struct {
	ServerAddr string
	DBPath     string
	GitHubWebhookSecret string
}

// Init registers config search paths, env bindings and defaults. Call once
// at process startup before Load.
func Init() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.clawdorio")
	viper.AddConfigPath("/etc/clawdorio")

	viper.SetEnvPrefix("CLAWDORIO")
	viper.AutomaticEnv()

	viper.BindEnv("server.addr", "CLAWDORIO_ADDR")
	viper.BindEnv("db.path", "CLAWDORIO_DB")
	viper.BindEnv("github.webhook_secret", "CLAWDORIO_GITHUB_WEBHOOK_SECRET")

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("db.path", "")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// A malformed config file is worth surfacing; a missing one is not.
			panic(err)
		}
	}
}

// Load reads the resolved values into a Config.
func Load() Config {
	return Config{
		ServerAddr:          viper.GetString("server.addr"),
		DBPath:              viper.GetString("db.path"),
		GitHubWebhookSecret: viper.GetString("github.webhook_secret"),
	}
}
