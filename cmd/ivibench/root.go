package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jingkaihe/ivibench/internal/errx"
	"github.com/jingkaihe/ivibench/pkg/api"
)

const envPrefix = "IVIBENCH"

var keyReplacer = strings.NewReplacer(".", "_")

var rootCmd = &cobra.Command{
	Use:          "ivibench",
	Short:        "Run an infotainment and cluster test bench on QEMU",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := readConfigFile(); err != nil {
			return err
		}
		return setupLogger(viper.GetString("log.level"), viper.GetString("log.format"))
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default ./ivibench.yaml or $HOME/.ivibench/ivibench.yaml)")
	pf.String("root", "", "Bench root directory; relative paths in the config resolve against it")
	newLogOptions().AddFlags(pf)

	viper.BindPFlag("config", pf.Lookup("config"))
	viper.BindPFlag("paths.root", pf.Lookup("root"))

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(keyReplacer)
	viper.AutomaticEnv()
}

// readConfigFile loads the YAML config when one exists. A missing default
// file is fine; a missing explicit one is not.
func readConfigFile() error {
	if f := viper.GetString("config"); f != "" {
		viper.SetConfigFile(f)
	} else {
		viper.SetConfigName("ivibench")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".ivibench"))
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errx.Wrap(api.ErrLoadConfig, err)
	}
	return nil
}

// loadConfig layers the config file, IVIBENCH_* variables and flags over
// api.DefaultConfig.
func loadConfig() (*api.Config, error) {
	cfg := api.DefaultConfig()
	if err := registerDefaults(cfg); err != nil {
		return nil, err
	}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, errx.Wrap(api.ErrLoadConfig, err)
	}
	if cfg.Paths.Root == "" {
		cfg.Paths.Root = api.DefaultConfig().Paths.Root
	}
	if abs, err := filepath.Abs(cfg.Paths.Root); err == nil {
		cfg.Paths.Root = abs
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registerDefaults makes every config key known to viper so environment
// variables can override keys the config file does not mention.
func registerDefaults(cfg *api.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return errx.Wrap(api.ErrLoadConfig, err)
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return errx.Wrap(api.ErrLoadConfig, err)
	}
	setDefaults("", tree)
	return nil
}

func setDefaults(prefix string, tree map[string]any) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			setDefaults(key, sub)
			continue
		}
		viper.SetDefault(key, v)
	}
}

// logOptions are the persistent logging flags.
type logOptions struct {
	Level  string
	Format string
}

func newLogOptions() *logOptions {
	return &logOptions{Level: "info", Format: "text"}
}

// AddFlags registers the logging flags on fs and binds them under log.*.
func (o *logOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Level, "log-level", o.Level, "Log level: debug, info, warn, error")
	fs.StringVar(&o.Format, "log-format", o.Format, "Log format: text or json")

	viper.BindPFlag("log.level", fs.Lookup("log-level"))
	viper.BindPFlag("log.format", fs.Lookup("log-format"))
}

func setupLogger(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return errx.With(ErrInvalidFlag, ": log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch format {
	case "", "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return errx.With(ErrInvalidFlag, ": log format %q", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}
