package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/depres"
	"github.com/aweris/depres/internal/compression"
	"github.com/aweris/depres/internal/fsbridge"
)

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "depres",
	Short: "Dependency resolver with a mounted artifact cache",
	Long: "Resolve package requirements against a registry and expose the selected\n" +
		"artifacts as a read-only filesystem backed by a local content-addressed cache.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(viper.GetString("log_level"))
		if err != nil {
			return err
		}
		log.SetLevel(level)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/depres/config.yaml)")
	flags.String("cache-dir", "", "cache directory (default: ~/.cache/depres)")
	flags.String("cache-budget", "", "cache size limit, e.g. 2GiB (default: unbounded)")
	flags.String("compression", "zstd", "codec for cached artifacts: none, zstd, lz4")
	flags.StringP("registry", "r", "", "registry directory or oci://<registry>/<repo>")
	flags.String("log-level", "info", "log level")
	flags.Int("node-limit", 0, "resolver search bound (default 10000)")
	flags.Duration("fetch-timeout", 30*time.Second, "bound for each registry call")
	flags.Bool("allow-cycles", false, "accept dependency cycles")
	flags.Int("retries", 3, "attempts for transient registry errors")

	bind := map[string]string{
		"cache_dir":     "cache-dir",
		"cache_budget":  "cache-budget",
		"compression":   "compression",
		"registry":      "registry",
		"log_level":     "log-level",
		"node_limit":    "node-limit",
		"fetch_timeout": "fetch-timeout",
		"allow_cycles":  "allow-cycles",
		"retries":       "retries",
	}
	for key, flag := range bind {
		viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DEPRES")
	viper.AutomaticEnv()
	viper.SetDefault("cache_dir", depres.DefaultCacheDir())
	viper.SetDefault("layout", string(fsbridge.LayoutFlat))
	viper.SetDefault("lazy", true)
	viper.SetDefault("workers", depres.DefaultConfig().Workers)

	if err := viper.ReadInConfig(); err == nil {
		log.WithField("file", viper.ConfigFileUsed()).Debug("loaded config")
	}
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "depres")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "depres")
	}
	return ".depres"
}

func getCacheDir() string {
	return depres.ExpandPath(viper.GetString("cache_dir"))
}

func cacheBudget() (int64, error) {
	s := viper.GetString("cache_budget")
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("cache budget %q: %w", s, err)
	}
	return int64(n), nil
}

// loadConfig assembles the session configuration from flags, environment
// and config file.
func loadConfig() (depres.Config, error) {
	cfg := depres.DefaultConfig()

	budget, err := cacheBudget()
	if err != nil {
		return cfg, err
	}
	layout, err := fsbridge.ParseLayout(viper.GetString("layout"))
	if err != nil {
		return cfg, err
	}

	cfg.CacheByteBudget = budget
	cfg.Layout = layout
	cfg.LazyPopulation = viper.GetBool("lazy")
	cfg.SearchNodeLimit = viper.GetInt("node_limit")
	cfg.FetchTimeout = viper.GetDuration("fetch_timeout")
	cfg.CycleDependenciesAllowed = viper.GetBool("allow_cycles")
	cfg.Workers = viper.GetInt("workers")
	cfg.RetryAttempts = viper.GetInt("retries")
	cfg.AllowOther = viper.GetBool("allow_other")
	return cfg, nil
}

func openController(cfg depres.Config) (*depres.Controller, error) {
	codec, err := compression.ParseCodec(viper.GetString("compression"))
	if err != nil {
		return nil, err
	}
	return depres.Open(viper.GetString("registry"), cfg,
		depres.WithCacheDir(getCacheDir()),
		depres.WithCodec(codec),
		depres.WithLogger(log),
	)
}

// requirements parses args, falling back to the requirements config key.
func requirements(args []string) ([]depres.Requirement, error) {
	list := args
	if len(list) == 0 {
		list = viper.GetStringSlice("requirements")
	}
	if len(list) == 0 {
		return nil, depres.ErrNoRequirements
	}
	return depres.ParseRequirements(list)
}
