// Config loading for the splload CLI.
package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/gowthamrao/spl-load/pkg/types"
)

const (
	configFileName = "splload"
	configFileType = "yaml"

	// envPrefix makes every key overridable, e.g. SPL_DB_ADAPTER or
	// SPL_CHUNK_SIZE.
	envPrefix = "SPL"
)

// loadConfig builds the effective configuration: defaults, then the config
// file (explicit path or splload.yaml in the working directory), then
// environment variables.
func loadConfig(file string) (types.Config, error) {
	v := viper.New()
	setDefaults(v, types.DefaultConfig())

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing default config file is fine; an explicit one must exist.
		if file != "" || !errors.As(err, &notFound) {
			return types.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return types.Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d types.Config) {
	v.SetDefault("db.adapter", d.DB.Adapter)
	v.SetDefault("db.host", d.DB.Host)
	v.SetDefault("db.port", d.DB.Port)
	v.SetDefault("db.name", d.DB.Name)
	v.SetDefault("db.user", d.DB.User)
	v.SetDefault("db.password", d.DB.Password)
	v.SetDefault("db.dsn", d.DB.DSN)
	v.SetDefault("db.optimize_full_load", d.DB.OptimizeFullLoad)
	v.SetDefault("delta.batch_archives", d.Delta.BatchArchives)
	v.SetDefault("source_url", d.SourceURL)
	v.SetDefault("download_path", d.DownloadPath)
	v.SetDefault("scratch_root", d.ScratchRoot)
	v.SetDefault("quarantine_path", d.QuarantinePath)
	v.SetDefault("intermediate_format", d.IntermediateFormat)
	v.SetDefault("chunk_size", d.ChunkSize)
	v.SetDefault("chunk_bytes", d.ChunkBytes)
	v.SetDefault("worker_count", d.WorkerCount)
	v.SetDefault("stale_run_after", d.StaleRunAfter)
}
