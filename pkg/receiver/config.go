package receiver

import (
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/soft_receiver/pkg/signaling"
)

const (
	DefaultServerURL     = "http://192.168.0.3:8080"
	DefaultDeviceID      = "receiver_device_001"
	DefaultAllowedCaller = "caller_device_001"
)

// Config содержит конфигурацию приёмника вызовов
type Config struct {
	// SignalingServerURL - базовый URL сигнального сервера (http(s):// или ws(s)://)
	SignalingServerURL string `yaml:"signaling_server_url"`

	// DeviceID - идентификатор этого устройства
	DeviceID string `yaml:"device_id"`

	// AllowedCallers - абоненты, вызовы которых принимаются автоматически
	AllowedCallers []string `yaml:"allowed_callers"`

	// ProbeTimeout - таймаут проверки доступности сервера
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// RequestTimeout - таймаут регистрации, опроса и статусов
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ReconnectBackoff - задержка перед повторным подключением
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectBackoff - верхняя граница задержки; если больше ReconnectBackoff,
	// задержка удваивается после каждой неудачи
	MaxReconnectBackoff time.Duration `yaml:"max_reconnect_backoff"`

	// BackoffJitter - доля случайного разброса задержки (0.0 - 1.0)
	BackoffJitter float64 `yaml:"backoff_jitter"`

	// PollInterval - период опроса приглашений
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollFailureThreshold - число неудачных опросов подряд, после которого
	// соединение считается потерянным (0 = никогда)
	PollFailureThreshold int `yaml:"poll_failure_threshold"`

	// HeartbeatInterval - период проверки живости активного вызова
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatMaxFailures - число ошибок проверки подряд, после которого вызов завершается
	HeartbeatMaxFailures int `yaml:"heartbeat_max_failures"`

	// StartupDelay - задержка первого подключения после старта
	StartupDelay time.Duration `yaml:"startup_delay"`

	// MaxWorkers - максимум одновременных сетевых операций
	MaxWorkers int `yaml:"max_workers"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		SignalingServerURL:   DefaultServerURL,
		DeviceID:             DefaultDeviceID,
		AllowedCallers:       []string{DefaultAllowedCaller},
		ProbeTimeout:         signaling.DefaultProbeTimeout,
		RequestTimeout:       signaling.DefaultRequestTimeout,
		ReconnectBackoff:     10 * time.Second,
		MaxReconnectBackoff:  10 * time.Second,
		BackoffJitter:        0,
		PollInterval:         3 * time.Second,
		PollFailureThreshold: 3,
		HeartbeatInterval:    5 * time.Second,
		HeartbeatMaxFailures: 3,
		StartupDelay:         2 * time.Second,
		MaxWorkers:           4,
	}
}

// LoadConfig читает YAML файл поверх значений по умолчанию
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "failed to read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return cfg, nil
}

// Validate проверяет корректность конфигурации и подставляет значения по умолчанию
func (c *Config) Validate() error {
	if c.SignalingServerURL == "" {
		return errors.New("signaling_server_url не указан")
	}
	u, err := url.Parse(c.SignalingServerURL)
	if err != nil {
		return errors.Wrap(err, "некорректный signaling_server_url")
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.Errorf("неподдерживаемая схема signaling_server_url: %q", u.Scheme)
	}

	if c.DeviceID == "" {
		return errors.New("device_id не указан")
	}

	if _, err := NewAllowList(c.AllowedCallers...); err != nil {
		return err
	}

	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = signaling.DefaultProbeTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = signaling.DefaultRequestTimeout
	}

	if c.ReconnectBackoff <= 0 {
		return errors.Errorf("некорректный reconnect_backoff: %s", c.ReconnectBackoff)
	}
	if c.MaxReconnectBackoff < c.ReconnectBackoff {
		c.MaxReconnectBackoff = c.ReconnectBackoff
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		return errors.Errorf("backoff_jitter должен быть в диапазоне 0..1, получено %v", c.BackoffJitter)
	}

	if c.PollInterval <= 0 {
		return errors.Errorf("некорректный poll_interval: %s", c.PollInterval)
	}
	if c.PollFailureThreshold < 0 {
		return errors.Errorf("некорректный poll_failure_threshold: %d", c.PollFailureThreshold)
	}

	if c.HeartbeatInterval <= 0 {
		return errors.Errorf("некорректный heartbeat_interval: %s", c.HeartbeatInterval)
	}
	if c.HeartbeatMaxFailures <= 0 {
		c.HeartbeatMaxFailures = 1
	}

	if c.StartupDelay < 0 {
		c.StartupDelay = 0
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}

	return nil
}

// TransportOptions возвращает таймауты для транспорта
func (c Config) TransportOptions() signaling.Options {
	return signaling.Options{
		ProbeTimeout:   c.ProbeTimeout,
		RequestTimeout: c.RequestTimeout,
	}
}
