package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/imagingdatacommons/idc-client-go/internal/config"
)

func TestInitConfig(t *testing.T) {
	// Clean up any existing config file before test
	homeDir, _ := os.UserHomeDir()
	testConfigPath := filepath.Join(homeDir, ".idc_test")
	os.RemoveAll(testConfigPath)

	// Set a temporary config path for testing
	os.Setenv("IDC_CONFIG_PATH", testConfigPath)
	defer os.Unsetenv("IDC_CONFIG_PATH")

	// Reset viper for clean state
	viper.Reset()

	// Test case 1: No config file exists, should create default
	err := config.InitConfig()
	assert.NoError(t, err)
	assert.NotEmpty(t, config.AppConfig.CachePath)
	assert.Equal(t, "https://s3.amazonaws.com", config.AppConfig.AWSEndpointURL)
	assert.Greater(t, config.AppConfig.DownloadConcurrency, 0)
	assert.True(t, fileExists(filepath.Join(testConfigPath, "config.json")))
	assert.True(t, dirExists(config.AppConfig.CachePath))

	// Test case 2: Config file exists, should read it
	viper.Reset()
	// Modify the default config file to have a custom cache path
	customCachePath := filepath.Join(testConfigPath, "custom_cache")
	viper.Set("cache_path", customCachePath)
	viper.WriteConfigAs(filepath.Join(testConfigPath, "config.json"))

	err = config.InitConfig()
	assert.NoError(t, err)
	assert.Equal(t, customCachePath, config.AppConfig.CachePath)
	assert.True(t, dirExists(customCachePath))

	// Clean up after test
	os.RemoveAll(testConfigPath)
}

func TestSetCachePath(t *testing.T) {
	// Setup similar to InitConfig
	homeDir, _ := os.UserHomeDir()
	testConfigPath := filepath.Join(homeDir, ".idc_test_set")
	os.RemoveAll(testConfigPath)
	os.Setenv("IDC_CONFIG_PATH", testConfigPath)
	defer os.Unsetenv("IDC_CONFIG_PATH")
	viper.Reset()

	// Initialize config first to ensure a config file exists
	config.InitConfig()

	newPath := filepath.Join(testConfigPath, "new_cache")
	err := config.SetCachePath(newPath)
	assert.NoError(t, err)

	// Verify by re-initializing config and checking the path
	viper.Reset()
	config.InitConfig()
	assert.Equal(t, newPath, config.AppConfig.CachePath)

	// Clean up
	os.RemoveAll(testConfigPath)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return !os.IsNotExist(err) && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return !os.IsNotExist(err) && info.IsDir()
}
