// Package telemetry はOpenTelemetryによるトレースの初期化を行う。
//
// エンドポイントが未設定の場合はトレースを無効とし、何もしない終了関数を返す。
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/nao1215/societynotify/internal/config"
)

// ShutdownFunc は未送信のスパンを送り出してトレーサーを停止する。
type ShutdownFunc func(context.Context) error

// Setup はOTLP/HTTPエクスポーターでトレーサープロバイダーを構成し、グローバルに登録する。
func Setup(ctx context.Context, cfg config.TelemetryConfig, logger zerolog.Logger) (ShutdownFunc, error) {
	logger = logger.With().Str("component", "telemetry").Logger()
	if cfg.Endpoint == "" {
		logger.Info().Msg("トレースは無効です")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("OTLPエクスポーターの作成に失敗: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("リソースの作成に失敗: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(SampleRatio(cfg.SampleRatio)))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)

	logger.Info().Str("endpoint", cfg.Endpoint).Str("service", cfg.ServiceName).Msg("トレースを有効にしました")
	return tp.Shutdown, nil
}

// SampleRatio はサンプリング率を0〜1に収める。範囲外は全件サンプリングとする。
func SampleRatio(ratio float64) float64 {
	if ratio < 0 || ratio > 1 {
		return 1
	}
	return ratio
}

// WrapHandler はHTTPハンドラーをトレース付きハンドラーで包む。
// プッシュチャネルは長時間のスパンになるため計装の対象から外す。
func WrapHandler(h http.Handler, operation string) http.Handler {
	return otelhttp.NewHandler(h, operation,
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/notifications/sse" && r.URL.Path != "/health"
		}),
	)
}
