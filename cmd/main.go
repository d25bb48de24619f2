package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/citydash/transit/cache"
	"github.com/citydash/transit/config"
	"github.com/citydash/transit/storage"
)

var rootCmd = &cobra.Command{
	Use:          "transit",
	Short:        "Live transit departures service",
	Long:         "Serves scheduled departures enriched with realtime feed data",
	SilenceUsage: true,
}

var (
	configPath string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "", false, "Debug logging")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(departuresCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func openStore(cfg *config.Config) (storage.Store, error) {
	return storage.NewStore(storage.Config{
		Backend:         cfg.Storage.Backend,
		SQLitePath:      cfg.Storage.SQLitePath,
		PostgresConnStr: cfg.Storage.PostgresConnStr,
	})
}

func newCache(cfg *config.Config) (cache.Provider, error) {
	switch cfg.Cache.Provider {
	case "", "memory":
		return cache.NewMemory(), nil
	case "redis":
		return cache.NewRedis(cfg.Cache.RedisAddr), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache provider '%s'", cfg.Cache.Provider)
	}
}

func parseHeaders(headers []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("'%s' is not on form <key>:<value>", header)
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed, nil
}
