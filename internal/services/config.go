package services

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"github.com/trobanga/mediaflow/internal/models"
)

// LoadConfig loads configuration from file and merges with environment
// variables. Priority order (highest to lowest):
//  1. Explicit overrides (SetConfigValue)
//  2. Environment variables (MEDIAFLOW_STORE_DRIVER, ...)
//  3. Configuration file
//  4. Default values
func LoadConfig(configFile string) (*models.ProjectConfig, error) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("mediaflow")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/mediaflow")
		viper.AddConfigPath("/etc/mediaflow")
	}

	viper.SetEnvPrefix("MEDIAFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setConfigDefaults(models.DefaultConfig())

	// Config file is optional
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Build config manually from viper values
	// (Viper.Unmarshal has issues with nested structs in some versions)
	config := models.ProjectConfig{
		Store: models.StoreConfig{
			Driver: viper.GetString("store.driver"),
			Path:   viper.GetString("store.path"),
		},
		Transport: models.TransportConfig{
			Driver:        viper.GetString("transport.driver"),
			AMQPURL:       viper.GetString("transport.amqp_url"),
			ResponseQueue: viper.GetString("transport.response_queue"),
		},
		Barrier: models.BarrierConfig{
			Driver:     viper.GetString("barrier.driver"),
			RedisAddr:  viper.GetString("barrier.redis_addr"),
			TTLMinutes: viper.GetInt("barrier.ttl_minutes"),
		},
		Callback: models.CallbackConfig{
			Retry: models.RetryConfig{
				MaxAttempts:      viper.GetInt("callback.retry.max_attempts"),
				InitialBackoffMs: viper.GetInt64("callback.retry.initial_backoff_ms"),
				MaxBackoffMs:     viper.GetInt64("callback.retry.max_backoff_ms"),
			},
			TimeoutMs: viper.GetInt64("callback.timeout_ms"),
		},
		Properties: models.PropertiesConfig{
			EnvPrefix:    viper.GetString("properties.env_prefix"),
			System:       upperKeys(viper.GetStringMapString("properties.system")),
			WorkflowFile: viper.GetString("properties.workflow_file"),
		},
		Output: models.OutputConfig{
			Dir:                viper.GetString("output.dir"),
			SiteID:             viper.GetString("output.site_id"),
			CensoredProperties: viper.GetStringSlice("output.censored_properties"),
		},
		Engine: models.EngineConfig{
			PollIntervalMs: viper.GetInt64("engine.poll_interval_ms"),
			Concurrency:    viper.GetInt("engine.concurrency"),
		},
		LogLevel: viper.GetString("log_level"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setConfigDefaults(d models.ProjectConfig) {
	viper.SetDefault("store.driver", d.Store.Driver)
	viper.SetDefault("store.path", d.Store.Path)
	viper.SetDefault("transport.driver", d.Transport.Driver)
	viper.SetDefault("transport.amqp_url", d.Transport.AMQPURL)
	viper.SetDefault("transport.response_queue", d.Transport.ResponseQueue)
	viper.SetDefault("barrier.driver", d.Barrier.Driver)
	viper.SetDefault("barrier.redis_addr", d.Barrier.RedisAddr)
	viper.SetDefault("barrier.ttl_minutes", d.Barrier.TTLMinutes)
	viper.SetDefault("callback.retry.max_attempts", d.Callback.Retry.MaxAttempts)
	viper.SetDefault("callback.retry.initial_backoff_ms", d.Callback.Retry.InitialBackoffMs)
	viper.SetDefault("callback.retry.max_backoff_ms", d.Callback.Retry.MaxBackoffMs)
	viper.SetDefault("callback.timeout_ms", d.Callback.TimeoutMs)
	viper.SetDefault("properties.env_prefix", d.Properties.EnvPrefix)
	viper.SetDefault("properties.workflow_file", d.Properties.WorkflowFile)
	viper.SetDefault("output.dir", d.Output.Dir)
	viper.SetDefault("output.site_id", d.Output.SiteID)
	viper.SetDefault("output.censored_properties", d.Output.CensoredProperties)
	viper.SetDefault("engine.poll_interval_ms", d.Engine.PollIntervalMs)
	viper.SetDefault("engine.concurrency", d.Engine.Concurrency)
	viper.SetDefault("log_level", d.LogLevel)
}

// LoadWorkflowProperties reads workflow property defaults from a YAML or
// JSON file with a top-level "properties" list. Entries override the
// built-in defaults by name. An empty path returns the built-in defaults.
func LoadWorkflowProperties(path string) ([]models.WorkflowProperty, error) {
	defaults := models.DefaultWorkflowProperties()
	if path == "" {
		return defaults, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read workflow properties: %w", err)
	}
	var loaded []models.WorkflowProperty
	if err := v.UnmarshalKey("properties", &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse workflow properties: %w", err)
	}

	index := make(map[string]int, len(defaults))
	for i, p := range defaults {
		index[p.Name] = i
	}
	for _, p := range loaded {
		if p.Name == "" {
			return nil, fmt.Errorf("workflow property without a name in %s", path)
		}
		p.Name = strings.ToUpper(p.Name)
		if i, ok := index[p.Name]; ok {
			defaults[i] = p
			continue
		}
		index[p.Name] = len(defaults)
		defaults = append(defaults, p)
	}
	return defaults, nil
}

// GetConfigFilePath returns the path to the config file that was loaded
func GetConfigFilePath() string {
	return viper.ConfigFileUsed()
}

// SetConfigValue allows runtime override of config values
// Useful for CLI flag overrides
func SetConfigValue(key string, value interface{}) {
	viper.Set(key, value)
}

// viper lower-cases map keys; property names are upper case
func upperKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}
