package cmd

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/assetcache"
)

var rootCmd = &cobra.Command{
	Use:          "assetcache",
	Short:        "Content-addressed asset cache CLI",
	Long:         "CLI for building, inspecting and loading asset bundle stores and distributing DLC packages through OCI registries.",
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/assetcache/config.yaml)")
	flags.String("cache-dir", "", "content store directory (default: ~/.local/share/assetcache)")
	flags.String("resource-dir", "", "loose resource directory (default: <cache-dir>/Resources)")
	flags.String("dlc-dir", "", "directory of DLC packages mounted on open")
	flags.IntSlice("lanes", nil, "concurrent loads per lane (default: 5,1)")
	flags.Int("concurrency", 0, "parallel file reads and registry transfers")
	flags.Bool("development", false, "development mode")
	flags.BoolP("verbose", "v", false, "debug logging")

	viper.BindPFlag("cache_dir", flags.Lookup("cache-dir"))
	viper.BindPFlag("resource_dir", flags.Lookup("resource-dir"))
	viper.BindPFlag("dlc_dir", flags.Lookup("dlc-dir"))
	viper.BindPFlag("lanes", flags.Lookup("lanes"))
	viper.BindPFlag("concurrency", flags.Lookup("concurrency"))
	viper.BindPFlag("development", flags.Lookup("development"))
	viper.BindPFlag("verbose", flags.Lookup("verbose"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ASSETCACHE")
	viper.AutomaticEnv()
	viper.SetDefault("cache_dir", defaultCacheDir())

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "assetcache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "assetcache")
	}
	return ".assetcache"
}

func defaultCacheDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "assetcache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "assetcache")
	}
	return ".assetcache"
}

func getCacheDir() string {
	return viper.GetString("cache_dir")
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openCache opens the configured store.
func openCache() (*assetcache.Cache, error) {
	opts := []assetcache.Option{
		assetcache.WithCacheDir(getCacheDir()),
		assetcache.WithLogger(newLogger()),
		assetcache.WithDevelopment(viper.GetBool("development")),
		assetcache.WithResourceDir(viper.GetString("resource_dir")),
		assetcache.WithDLCDir(viper.GetString("dlc_dir")),
	}
	if lanes := viper.GetIntSlice("lanes"); len(lanes) > 0 {
		opts = append(opts, assetcache.WithLanes(lanes...))
	}
	if n := viper.GetInt("concurrency"); n > 0 {
		opts = append(opts, assetcache.WithIOConcurrency(n), assetcache.WithConcurrency(n))
	}
	return assetcache.Open(opts...)
}
