// Package config は通知サービスの設定値を読み込む。
//
// 設定はデフォルト値、設定ファイル、環境変数の順に上書きされる。
// 環境変数名はキーの "." を "_" に置換した大文字（例: SSE_HEARTBEAT_INTERVAL）。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 設定キー。
const (
	KeyPort                 = "port"
	KeyDatabasePath         = "database.path"
	KeyJWTSecret            = "jwt.secret"
	KeyInternalSecret       = "internal.secret"
	KeyHeartbeatInterval    = "sse.heartbeat_interval"
	KeyFetchLimit           = "notifications.fetch_limit"
	KeyAllowedOrigins       = "cors.allowed_origins"
	KeyKafkaEnabled         = "kafka.enabled"
	KeyKafkaBrokers         = "kafka.brokers"
	KeyKafkaTopic           = "kafka.topic"
	KeyKafkaGroupID         = "kafka.group_id"
	KeyTelemetryEndpoint    = "telemetry.endpoint"
	KeyTelemetryServiceName = "telemetry.service_name"
	KeyTelemetrySampleRatio = "telemetry.sample_ratio"
	KeyLogLevel             = "log.level"
	KeyDispatchTimeout      = "dispatch.timeout"
)

// maxFetchLimit は通知一覧取得件数の上限。
const maxFetchLimit = 200

// ErrInvalidConfig は設定値が不正であることを表す。
var ErrInvalidConfig = errors.New("設定値が不正です")

// Config は通知サービスの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DatabasePath はSQLiteデータベースファイルのパス。":memory:" も指定できる。
	DatabasePath string
	// JWTSecret はHS256署名の検証に使う共有シークレット。
	JWTSecret string
	// InternalSecret は業務サービスが内部APIを呼ぶトークンの署名シークレット。
	// 空なら内部APIは無効になる。
	InternalSecret string
	// HeartbeatInterval はプッシュチャネルのハートビート送信間隔。
	HeartbeatInterval time.Duration
	// FetchLimit は通知一覧APIが返す最大件数。
	FetchLimit int
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// Kafka はソーシャルイベント購読の設定。
	Kafka KafkaConfig
	// Telemetry はトレース送信の設定。
	Telemetry TelemetryConfig
	// LogLevel はzerologのログレベル名。
	LogLevel string
	// DispatchTimeout は非同期通知1回あたりの処理時間上限。
	DispatchTimeout time.Duration
}

// KafkaConfig はKafkaコンシューマーの設定。
type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

// TelemetryConfig はOpenTelemetryの設定。Endpointが空ならトレースは無効。
type TelemetryConfig struct {
	Endpoint    string
	ServiceName string
	SampleRatio float64
}

// SetDefaults はviperにデフォルト値を登録する。
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPort, "8086")
	v.SetDefault(KeyDatabasePath, "/data/notification.db")
	v.SetDefault(KeyJWTSecret, "dev-secret-key")
	v.SetDefault(KeyInternalSecret, "dev-internal-secret-key")
	v.SetDefault(KeyHeartbeatInterval, 30*time.Second)
	v.SetDefault(KeyFetchLimit, 50)
	v.SetDefault(KeyAllowedOrigins, []string{"http://localhost:3000"})
	v.SetDefault(KeyKafkaEnabled, false)
	v.SetDefault(KeyKafkaBrokers, []string{"kafka:9092"})
	v.SetDefault(KeyKafkaTopic, "social.events")
	v.SetDefault(KeyKafkaGroupID, "notification-service")
	v.SetDefault(KeyTelemetryEndpoint, "")
	v.SetDefault(KeyTelemetryServiceName, "notification-service")
	v.SetDefault(KeyTelemetrySampleRatio, 1.0)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyDispatchTimeout, 10*time.Second)
}

// Load はviperから設定を読み込み検証する。
// configFileが空でなければそのファイルも読み込む。
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	cfg := &Config{
		Port:              v.GetString(KeyPort),
		DatabasePath:      v.GetString(KeyDatabasePath),
		JWTSecret:         v.GetString(KeyJWTSecret),
		InternalSecret:    v.GetString(KeyInternalSecret),
		HeartbeatInterval: v.GetDuration(KeyHeartbeatInterval),
		FetchLimit:        v.GetInt(KeyFetchLimit),
		AllowedOrigins:    splitList(v.GetStringSlice(KeyAllowedOrigins)),
		Kafka: KafkaConfig{
			Enabled: v.GetBool(KeyKafkaEnabled),
			Brokers: splitList(v.GetStringSlice(KeyKafkaBrokers)),
			Topic:   v.GetString(KeyKafkaTopic),
			GroupID: v.GetString(KeyKafkaGroupID),
		},
		Telemetry: TelemetryConfig{
			Endpoint:    v.GetString(KeyTelemetryEndpoint),
			ServiceName: v.GetString(KeyTelemetryServiceName),
			SampleRatio: v.GetFloat64(KeyTelemetrySampleRatio),
		},
		LogLevel:        v.GetString(KeyLogLevel),
		DispatchTimeout: v.GetDuration(KeyDispatchTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, fmt.Errorf("%w: %s が空です", ErrInvalidConfig, KeyPort))
	}
	if c.DatabasePath == "" {
		errs = append(errs, fmt.Errorf("%w: %s が空です", ErrInvalidConfig, KeyDatabasePath))
	}
	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("%w: %s が空です", ErrInvalidConfig, KeyJWTSecret))
	}
	if c.InternalSecret != "" && c.InternalSecret == c.JWTSecret {
		errs = append(errs, fmt.Errorf("%w: %s は %s と異なる値が必要です", ErrInvalidConfig, KeyInternalSecret, KeyJWTSecret))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: %s は正の値が必要です", ErrInvalidConfig, KeyHeartbeatInterval))
	}
	if c.FetchLimit < 1 || c.FetchLimit > maxFetchLimit {
		errs = append(errs, fmt.Errorf("%w: %s は1から%dの範囲で指定してください", ErrInvalidConfig, KeyFetchLimit, maxFetchLimit))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("%w: %s は0から1の範囲で指定してください", ErrInvalidConfig, KeyTelemetrySampleRatio))
	}
	if c.DispatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: %s は正の値が必要です", ErrInvalidConfig, KeyDispatchTimeout))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, fmt.Errorf("%w: kafka.enabled の場合はブローカーとトピックが必要です", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// splitList は環境変数由来のカンマ区切り値を要素に分解し、空要素を除く。
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for part := range strings.SplitSeq(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
