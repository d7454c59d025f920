package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	CachePath           string `mapstructure:"cache_path"`
	BundledDataPath     string `mapstructure:"bundled_data_path"`
	S5CmdPath           string `mapstructure:"s5cmd_path"`
	AWSEndpointURL      string `mapstructure:"aws_endpoint_url"`
	GCPEndpointURL      string `mapstructure:"gcp_endpoint_url"`
	DownloadConcurrency int    `mapstructure:"download_concurrency"`
}

var AppConfig Config

func InitConfig() error {
	configName := "config"
	configType := "json"
	configPath := os.Getenv("IDC_CONFIG_PATH")
	if configPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(homeDir, ".idc")
	}

	viper.AddConfigPath(configPath)
	viper.SetConfigName(configName)
	viper.SetConfigType(configType)

	viper.SetDefault("cache_path", filepath.Join(configPath, "cache"))
	viper.SetDefault("bundled_data_path", "")
	viper.SetDefault("s5cmd_path", "")
	viper.SetDefault("aws_endpoint_url", "https://s3.amazonaws.com")
	viper.SetDefault("gcp_endpoint_url", "https://storage.googleapis.com")
	viper.SetDefault("download_concurrency", runtime.NumCPU())

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create a default one
			if err := os.MkdirAll(configPath, 0755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := viper.WriteConfigAs(filepath.Join(configPath, fmt.Sprintf("%s.%s", configName, configType))); err != nil {
				return fmt.Errorf("failed to write default config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := os.MkdirAll(AppConfig.CachePath, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	return nil
}

func SetCachePath(path string) error {
	viper.Set("cache_path", path)
	return viper.WriteConfig()
}
