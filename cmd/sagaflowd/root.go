package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	configpkg "github.com/drblury/sagaflow/internal/runtime/config"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
)

const envPrefix = "SAGAFLOW"

// newViper returns a viper instance reading SAGAFLOW_* environment variables.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func newRootCommand() *cobra.Command {
	v := newViper()

	cmd := &cobra.Command{
		Use:           "sagaflowd",
		Short:         "Idempotent operation and saga coordination daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfigFile(v)
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "config file (yaml, json or toml)")
	persistent.String("log-level", "info", "log level: debug, info, warn or error")
	persistent.String("log-format", "text", "log format: text or json")
	mustBind(v, persistent, "config", "log-level", "log-format")

	cmd.AddCommand(newServeCommand(v), newDeriveKeyCommand(v))
	return cmd
}

// mustBind binds each named flag to the viper key with dashes replaced by
// underscores, which is the key used by the config struct tags.
func mustBind(v *viper.Viper, flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flag); err != nil {
			panic(err)
		}
	}
}

func loadConfigFile(v *viper.Viper) error {
	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

func loadConfig(v *viper.Viper) (*configpkg.Config, error) {
	var conf configpkg.Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	conf = conf.WithDefaults()
	if err := configpkg.ValidateConfig(&conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

func newLogger(v *viper.Viper) (loggingpkg.ServiceLogger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(v.GetString("log_format")) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("log format %q: want text or json", v.GetString("log_format"))
	}
	return loggingpkg.NewSlogServiceLogger(slog.New(handler)), nil
}
