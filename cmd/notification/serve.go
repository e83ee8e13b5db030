package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nao1215/societynotify/internal/config"
	"github.com/nao1215/societynotify/internal/notification"
	"github.com/nao1215/societynotify/internal/realtime"
	"github.com/nao1215/societynotify/internal/telemetry"
)

// shutdownTimeout は停止処理に許す時間。
const shutdownTimeout = 10 * time.Second

// newServeCmd は通知サービスを起動するコマンドを生成する。
func newServeCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "通知サービスを起動する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *cfgFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, newLogger(os.Stdout, cfg.LogLevel))
		},
	}

	flags := cmd.Flags()
	flags.String("port", "", "待ち受けポート")
	flags.String("db", "", "SQLiteデータベースのパス")
	flags.Bool("kafka", false, "Kafkaからソーシャルイベントを購読する")
	flags.String("log-level", "", "ログレベル（debug, info, warn, error）")
	for key, name := range map[string]string{
		config.KeyPort:         "port",
		config.KeyDatabasePath: "db",
		config.KeyKafkaEnabled: "kafka",
		config.KeyLogLevel:     "log-level",
	} {
		cobra.CheckErr(v.BindPFlag(key, flags.Lookup(name)))
	}
	return cmd
}

// serve はコンポーネントを組み立ててHTTPサーバーを起動し、シグナルを受けるまで動かす。
func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}

	db, err := notification.OpenSQLite(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("データベースの初期化に失敗: %w", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registry := realtime.NewRegistry(logger,
		realtime.WithHeartbeatInterval(cfg.HeartbeatInterval),
		realtime.WithMetrics(realtime.NewMetrics(reg)),
	)
	metrics := notification.NewMetrics(reg)
	store := notification.NewSQLiteStore(db)
	dispatcher := notification.NewDispatcher(store, registry, logger,
		notification.WithDispatcherMetrics(metrics),
		notification.WithDispatchTimeout(cfg.DispatchTimeout),
	)

	if logger.GetLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	server := notification.NewServer(store, registry, dispatcher, notification.ServerConfig{
		JWTSecret:      cfg.JWTSecret,
		InternalSecret: cfg.InternalSecret,
		FetchLimit:     cfg.FetchLimit,
		AllowedOrigins: cfg.AllowedOrigins,
		Gatherer:       reg,
	}, logger)

	// プッシュチャネルは長時間の接続になるためWriteTimeoutは設定しない
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           telemetry.WrapHandler(server.Handler(), "notification"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.RegisterOnShutdown(registry.CloseAll)

	var workers sync.WaitGroup
	if cfg.Kafka.Enabled {
		reader := notification.NewKafkaReader(notification.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
		consumer := notification.NewConsumer(reader, dispatcher, logger, metrics)
		workers.Go(func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("イベントの購読が異常終了しました")
			}
		})
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("通知サービスを起動します")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("停止シグナルを受信しました")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("通知サービスの起動に失敗: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTPサーバーの停止に失敗しました")
	}
	workers.Wait()
	dispatcher.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("トレーサーの停止に失敗しました")
	}

	logger.Info().Msg("通知サービスを停止しました")
	return runErr
}
