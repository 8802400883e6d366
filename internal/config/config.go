// Package config загружает конфигурацию процесса из окружения и .env файла.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Бэкенды настроек
const (
	PrefsMemory = "memory"
	PrefsIni    = "ini"
	PrefsRedis  = "redis"
)

// Config конфигурация callbridge
type Config struct {
	Log    Log
	Bridge Bridge
	SIP    SIP
	Prefs  Prefs
	Redis  Redis
	AMQP   AMQP
	Call   Call
}

// Log параметры журнала
type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
	// File путь к файлу с ротацией; пусто означает только stdout
	File       string `env:"LOG_FILE"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"3"`
	MaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"28"`
	Compress   bool   `env:"LOG_COMPRESS" envDefault:"true"`
}

// Bridge websocket сервер приложения и метрики
type Bridge struct {
	Addr            string        `env:"BRIDGE_ADDR" envDefault:":8080"`
	Path            string        `env:"BRIDGE_PATH" envDefault:"/ws"`
	MetricsPath     string        `env:"METRICS_PATH" envDefault:"/metrics"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// SIP параметры голосового SDK
type SIP struct {
	Host           string        `env:"SIP_HOST" envDefault:"127.0.0.1"`
	Port           int           `env:"SIP_PORT" envDefault:"5060"`
	Transport      string        `env:"SIP_TRANSPORT" envDefault:"udp"`
	Proxy          string        `env:"SIP_PROXY"`
	Username       string        `env:"SIP_USERNAME" envDefault:"callbridge"`
	UserAgent      string        `env:"SIP_USER_AGENT" envDefault:"callbridge"`
	MediaPort      int           `env:"SIP_MEDIA_PORT" envDefault:"10000"`
	RegisterExpiry time.Duration `env:"SIP_REGISTER_EXPIRY" envDefault:"1h"`
}

// Prefs хранилище настроек
type Prefs struct {
	Backend string `env:"PREFS_BACKEND" envDefault:"memory"`
	File    string `env:"PREFS_FILE" envDefault:"callbridge.ini"`
}

// Redis подключение для бэкенда redis
type Redis struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	Prefix   string `env:"REDIS_PREFIX" envDefault:"callbridge"`
}

// AMQP зеркало событий; выключено, если URL пуст
type AMQP struct {
	URL   string `env:"AMQP_URL"`
	Queue string `env:"AMQP_QUEUE" envDefault:"callbridge.events"`
}

// Call параметры ядра звонков
type Call struct {
	// Permissions разрешения, выданные системной телефонии процесса
	Permissions       []string      `env:"CALL_PERMISSIONS" envSeparator:"," envDefault:"read_phone_state,call_phone,record_audio"`
	AdmissionTimeout  time.Duration `env:"CALL_ADMISSION_TIMEOUT" envDefault:"5s"`
	DisconnectTimeout time.Duration `env:"CALL_DISCONNECT_TIMEOUT" envDefault:"10s"`
	RegisterAccount   bool          `env:"CALL_REGISTER_ACCOUNT" envDefault:"true"`
}

// LoadEnv загружает ENV_FILE (или .env) в окружение. Отсутствие файла не ошибка.
func LoadEnv() error {
	file := os.Getenv("ENV_FILE")
	if file == "" {
		file = ".env"
	}
	err := godotenv.Load(file)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load читает конфигурацию из окружения и проверяет ее
func Load() (*Config, error) {
	if err := LoadEnv(); err != nil {
		return nil, fmt.Errorf("ошибка загрузки env файла: %w", err)
	}
	cfg := new(Config)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора окружения: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var knownPermissions = []string{"read_phone_state", "call_phone", "record_audio"}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL: неизвестный уровень %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT: ожидается json или text, получено %q", c.Log.Format))
	}
	if c.SIP.Port <= 0 || c.SIP.Port > 65535 {
		errs = append(errs, fmt.Errorf("SIP_PORT: порт вне диапазона: %d", c.SIP.Port))
	}
	if c.SIP.Transport != "udp" && c.SIP.Transport != "tcp" {
		errs = append(errs, fmt.Errorf("SIP_TRANSPORT: ожидается udp или tcp, получено %q", c.SIP.Transport))
	}
	switch c.Prefs.Backend {
	case PrefsMemory:
	case PrefsIni:
		if c.Prefs.File == "" {
			errs = append(errs, errors.New("PREFS_FILE обязателен для бэкенда ini"))
		}
	case PrefsRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("REDIS_ADDR обязателен для бэкенда redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("PREFS_BACKEND: неизвестный бэкенд %q", c.Prefs.Backend))
	}
	if c.AMQP.URL != "" && c.AMQP.Queue == "" {
		errs = append(errs, errors.New("AMQP_QUEUE обязателен, если задан AMQP_URL"))
	}
	for _, p := range c.Call.Permissions {
		if !slices.Contains(knownPermissions, p) {
			errs = append(errs, fmt.Errorf("CALL_PERMISSIONS: неизвестное разрешение %q", p))
		}
	}
	if c.Bridge.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT должен быть положительным"))
	}
	return errors.Join(errs...)
}
