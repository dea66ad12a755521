package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Addr        string `yaml:"addr"`
	DBPath      string `yaml:"db_path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	APIKey      string `yaml:"api_key"`
	DeliveryURL string `yaml:"delivery_url"`

	Dispatch struct {
		TickSpec       string   `yaml:"tick_spec"`
		BatchSize      int      `yaml:"batch_size"`
		Workers        int      `yaml:"workers"`
		DeliverTimeout Duration `yaml:"deliver_timeout"`
		MaxAttempts    int      `yaml:"max_attempts"`
		BackoffInitial Duration `yaml:"backoff_initial"`
		BackoffMax     Duration `yaml:"backoff_max"`
	} `yaml:"dispatch"`

	Retention struct {
		PurgeSpec   string `yaml:"purge_spec"`
		SendDays    int    `yaml:"send_days"`
		CronLogDays int    `yaml:"cron_log_days"`
	} `yaml:"retention"`
}

func Default() Config {
	var c Config
	c.Addr = ":8080"
	c.DBPath = "relayflow.db"
	c.RedisAddr = "localhost:6379"
	c.APIKey = "devkey"
	c.DeliveryURL = "http://localhost:9090"
	c.Dispatch.TickSpec = "* * * * *"
	c.Dispatch.BatchSize = 50
	c.Dispatch.Workers = 8
	c.Dispatch.DeliverTimeout = Duration(30 * time.Second)
	c.Dispatch.MaxAttempts = 3
	c.Dispatch.BackoffInitial = Duration(time.Minute)
	c.Dispatch.BackoffMax = Duration(time.Hour)
	c.Retention.PurgeSpec = "0 3 * * *"
	c.Retention.SendDays = 7
	c.Retention.CronLogDays = 30
	return c
}

// Load reads the YAML file at path (when it exists) over the defaults, then
// applies environment overrides.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &c); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	c.Addr = getEnv("RELAYFLOW_ADDR", c.Addr)
	c.DBPath = getEnv("RELAYFLOW_DB", c.DBPath)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.APIKey = getEnv("API_KEY", c.APIKey)
	c.DeliveryURL = getEnv("DELIVERY_URL", c.DeliveryURL)
	return c, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
