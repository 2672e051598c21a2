package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultJWTSecret 仅允许在 APP_ENV=dev 时使用。
const DefaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port        string
	Env         string
	LogLevel    string
	DBDriver    string
	DatabaseDSN string
	JWTSecret   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string

	WS WebSocketConfig
}

// WebSocketConfig 控制推送通道的心跳与缓冲。
type WebSocketConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=taskmanager port=5432 sslmode=disable TimeZone=UTC")
	v.SetDefault("JWT_SECRET", DefaultJWTSecret)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "task-events")
	v.SetDefault("KAFKA_GROUP_ID", "notification-ingest")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("CORS_ORIGINS", "")
	v.SetDefault("WS_PING_INTERVAL", "30s")
	v.SetDefault("WS_PONG_WAIT", "60s")
	v.SetDefault("WS_WRITE_WAIT", "10s")
	v.SetDefault("WS_MAX_MESSAGE_SIZE", 64*1024)
	v.SetDefault("WS_SEND_BUFFER", 256)
	return v
}

// Load 读取 config.yaml（若存在），环境变量优先。
// 数值或时长格式错误时回退到默认值。
func Load() Config {
	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// 文件不可读：只用环境变量和默认值
			v = newViper()
		}
	}

	return Config{
		Port:           v.GetString("APP_PORT"),
		Env:            v.GetString("APP_ENV"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		DBDriver:       strings.ToLower(v.GetString("DB_DRIVER")),
		DatabaseDSN:    v.GetString("DATABASE_DSN"),
		JWTSecret:      v.GetString("JWT_SECRET"),
		RedisAddr:      v.GetString("REDIS_ADDR"),
		RedisPassword:  v.GetString("REDIS_PASSWORD"),
		RedisDB:        positiveInt(v, "REDIS_DB", 0, true),
		KafkaBrokers:   splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:     v.GetString("KAFKA_TOPIC"),
		KafkaGroupID:   v.GetString("KAFKA_GROUP_ID"),
		RateLimitRPS:   positiveInt(v, "RATE_LIMIT_RPS", 20, false),
		RateLimitBurst: positiveInt(v, "RATE_LIMIT_BURST", 40, false),
		CORSOrigins:    splitList(v.GetString("CORS_ORIGINS")),
		WS: WebSocketConfig{
			PingInterval:   duration(v, "WS_PING_INTERVAL", 30*time.Second),
			PongWait:       duration(v, "WS_PONG_WAIT", 60*time.Second),
			WriteWait:      duration(v, "WS_WRITE_WAIT", 10*time.Second),
			MaxMessageSize: int64(positiveInt(v, "WS_MAX_MESSAGE_SIZE", 64*1024, false)),
			SendBuffer:     positiveInt(v, "WS_SEND_BUFFER", 256, false),
		},
	}
}

// Validate 拒绝无法安全对外服务的配置。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	switch cfg.DBDriver {
	case "", "postgres", "mysql", "sqlite":
	default:
		return errors.New("DB_DRIVER must be postgres, mysql or sqlite")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == DefaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	return nil
}

func positiveInt(v *viper.Viper, key string, def int, allowZero bool) int {
	n := v.GetInt(key)
	if n < 0 || (n == 0 && !allowZero) {
		return def
	}
	return n
}

func duration(v *viper.Viper, key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
