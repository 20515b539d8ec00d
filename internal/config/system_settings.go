package config

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const DATABASE_TYPE = "FCRON_DATABASE_TYPE"
const DATABASE_URL = "FCRON_DATABASE_URL"
const DATABASE_SQLLITE_FILE_NAME = "FCRON_DATABASE_SQLLITE_FILE_NAME"
const ENGINE_SERVER_WEB_PORT = "FCRON_ENGINE_SERVER_WEB_PORT"
const ENGINE_CHECK_DB_INTERVAL = "FCRON_ENGINE_CHECK_DB_INTERVAL" //how often the dispatcher polls the queue
const ENGINE_BATCH_SIZE = "FCRON_ENGINE_BATCH_SIZE"               //number of queue items to look at per poll
const ENGINE_EXECUTOR_SIZE = "FCRON_ENGINE_EXECUTOR_SIZE"         //number of workers ie the parallel nature of the jobs
const ENGINE_CRON_TICK = "FCRON_ENGINE_CRON_TICK"
const ENGINE_CONDITIONAL_INTERVAL = "FCRON_ENGINE_CONDITIONAL_INTERVAL"
const ENGINE_BATCH_INTERVAL = "FCRON_ENGINE_BATCH_INTERVAL"
const ENGINE_CALENDAR_INTERVAL = "FCRON_ENGINE_CALENDAR_INTERVAL"
const ENGINE_CLAIM_TTL = "FCRON_ENGINE_CLAIM_TTL"
const ENGINE_REAPER_INTERVAL = "FCRON_ENGINE_REAPER_INTERVAL"
const ENGINE_HEALTH_INTERVAL = "FCRON_ENGINE_HEALTH_INTERVAL"
const ENGINE_CANCEL_POLL = "FCRON_ENGINE_CANCEL_POLL"
const ENGINE_EVALUATOR_ALERT_AFTER = "FCRON_ENGINE_EVALUATOR_ALERT_AFTER" //consecutive evaluator failures before an alert
const ENGINE_DISPATCH_RATE = "FCRON_ENGINE_DISPATCH_RATE"                 //max claims per second, 0 disables
const HEALTH_ALERT_THRESHOLD = "FCRON_HEALTH_ALERT_THRESHOLD"
const ALERT_WEBHOOK_URL = "FCRON_ALERT_WEBHOOK_URL"
const ALERT_RATE_PER_MINUTE = "FCRON_ALERT_RATE_PER_MINUTE"
const LOG_LEVEL = "FCRON_LOG_LEVEL"
const ADMIN_API_KEY_HASH = "FCRON_ADMIN_API_KEY_HASH" //bcrypt hash of the api key accepted by the admin api
const DEFINITIONS_DIR = "FCRON_DEFINITIONS_DIR"
const ENGINE_EXECUTOR_NAME = "FCRON_ENGINE_EXECUTOR_NAME" //defaults to the hostname

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLLITE = "SQLLITE"

var settings = newSettings()

func newSettings() *viper.Viper {
	v := viper.New()
	v.SetConfigName("flowcron")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(ENGINE_CHECK_DB_INTERVAL, "2s")
	v.SetDefault(ENGINE_BATCH_SIZE, 10)
	v.SetDefault(ENGINE_EXECUTOR_SIZE, 5)
	v.SetDefault(ENGINE_CRON_TICK, "30s")
	v.SetDefault(ENGINE_CONDITIONAL_INTERVAL, "30s")
	v.SetDefault(ENGINE_BATCH_INTERVAL, "15s")
	v.SetDefault(ENGINE_CALENDAR_INTERVAL, "60s")
	v.SetDefault(ENGINE_CLAIM_TTL, "60s")
	v.SetDefault(ENGINE_REAPER_INTERVAL, "30s")
	v.SetDefault(ENGINE_HEALTH_INTERVAL, "5m")
	v.SetDefault(ENGINE_CANCEL_POLL, "2s")
	v.SetDefault(ENGINE_EVALUATOR_ALERT_AFTER, 5)
	v.SetDefault(ENGINE_DISPATCH_RATE, 0)
	v.SetDefault(HEALTH_ALERT_THRESHOLD, 50)
	v.SetDefault(ALERT_RATE_PER_MINUTE, 30)
	v.SetDefault(ENGINE_SERVER_WEB_PORT, "8080")
	v.SetDefault(DATABASE_SQLLITE_FILE_NAME, "./flowcron.db")
	v.SetDefault(LOG_LEVEL, "info")
	v.SetDefault(DEFINITIONS_DIR, "")
	return v
}

// LoadConfigFile reads flowcron.yaml from the working directory or ./config when present.
// Environment variables always win over file values.
func LoadConfigFile() error {
	if err := settings.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	slog.Info("Loaded config file", "file", settings.ConfigFileUsed())
	return nil
}

// SetSystemSetting overrides a setting for the lifetime of the process, used by cli flags.
func SetSystemSetting(settingKey string, value any) {
	settings.Set(settingKey, value)
}

func GetSystemSettingInteger(settingKey string) int {
	return settings.GetInt(settingKey)
}

func GetSystemSettingString(settingKey string) string {
	return settings.GetString(settingKey)
}

// GetSystemSettingDuration parses a duration setting, falling back to fallback when unset or invalid.
func GetSystemSettingDuration(settingKey string, fallback time.Duration) time.Duration {
	raw := settings.GetString(settingKey)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("Invalid duration setting, using fallback", "key", settingKey, "value", raw, "fallback", fallback)
		return fallback
	}
	return d
}

func GetLogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(GetSystemSettingString(LOG_LEVEL))); err != nil {
		return slog.LevelInfo
	}
	return level
}
