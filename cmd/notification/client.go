package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nao1215/societynotify/internal/config"
	"github.com/nao1215/societynotify/internal/notification"
	"github.com/nao1215/societynotify/pkg/event"
	"github.com/nao1215/societynotify/pkg/middleware"
	"github.com/nao1215/societynotify/pkg/pushclient"
)

// newListenCmd はプッシュチャネルを購読して受け取った通知を表示するコマンドを生成する。
func newListenCmd() *cobra.Command {
	var (
		baseURL    string
		token      string
		heartbeats bool
		markRead   bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "プッシュチャネルを購読して通知を表示する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := pushclient.New(baseURL, token)
			out := cmd.OutOrStdout()

			unread, count, err := client.UnreadNotifications(ctx)
			if err != nil {
				return fmt.Errorf("未読通知の取得に失敗: %w", err)
			}
			fmt.Fprintf(out, "未読の通知: %d件\n", count)
			for _, n := range unread {
				fmt.Fprintf(out, "  [%s] %s: %s\n", n.Kind, n.Title, n.Message)
			}

			err = client.Subscribe(ctx, func(ev pushclient.Event) {
				if !ev.IsNotification() && !heartbeats {
					return
				}
				printEvent(out, ev)
				if markRead && ev.IsNotification() {
					if _, err := client.MarkRead(ctx, ev.ID); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "既読化に失敗: %v\n", err)
					}
				}
			})
			if errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&baseURL, "url", "http://localhost:8086", "通知サービスのURL")
	flags.StringVar(&token, "token", "", "認証トークン")
	flags.BoolVar(&heartbeats, "heartbeats", false, "接続確立とハートビートのフレームも表示する")
	flags.BoolVar(&markRead, "mark-read", false, "受け取った通知を既読にする")
	cobra.CheckErr(cmd.MarkFlagRequired("token"))
	return cmd
}

// printEvent は受け取ったフレームを1行で表示する。
func printEvent(w io.Writer, ev pushclient.Event) {
	switch ev.Type {
	case "connected":
		fmt.Fprintf(w, "%s\n", ev.Message)
	case "heartbeat":
		fmt.Fprintf(w, "heartbeat %s\n", time.UnixMilli(ev.Timestamp).Format(time.RFC3339))
	default:
		fmt.Fprintf(w, "[%s] %s: %s %s\n", ev.Type, ev.Title, ev.Message, ev.Data)
	}
}

// newTokenCmd は動作確認用の認証トークンを発行するコマンドを生成する。
func newTokenCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	var (
		userID   string
		ttl      time.Duration
		internal bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "設定のシークレットで認証トークンを発行する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *cfgFile)
			if err != nil {
				return err
			}
			secret := cfg.JWTSecret
			if internal {
				if cfg.InternalSecret == "" {
					return fmt.Errorf("%s が未設定のため内部API用トークンは発行できません", config.KeyInternalSecret)
				}
				secret = cfg.InternalSecret
			}
			token, err := middleware.GenerateJWT(secret, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "トークンに含めるユーザーID")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "トークンの有効期間")
	cmd.Flags().BoolVar(&internal, "internal", false, "内部API用のシークレットで署名する（--userには呼び出し元サービス名を指定）")
	cobra.CheckErr(cmd.MarkFlagRequired("user"))
	return cmd
}

// newPublishCmd はソーシャルイベントをKafkaへ発行するコマンドを生成する。
func newPublishCmd() *cobra.Command {
	var (
		brokers       []string
		topic         string
		eventType     string
		aggregateID   string
		aggregateType string
		actorID       string
		recipients    []string
		data          string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "ソーシャルイベントをKafkaへ発行する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !json.Valid([]byte(data)) {
				return errors.New("--data はJSONで指定してください")
			}
			ev, err := event.New(aggregateID, event.AggregateType(aggregateType), event.Type(eventType),
				actorID, recipients, json.RawMessage(data))
			if err != nil {
				return err
			}

			publisher := notification.NewPublisher(brokers, topic)
			defer publisher.Close()
			if err := publisher.Publish(cmd.Context(), ev); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "イベントを発行しました: %s\n", ev.ID)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&brokers, "brokers", []string{"localhost:9092"}, "Kafkaブローカー")
	flags.StringVar(&topic, "topic", "social.events", "発行先トピック")
	flags.StringVar(&eventType, "type", "", "イベント種別（例: PostLiked）")
	flags.StringVar(&aggregateID, "aggregate-id", "", "対象エンティティのID")
	flags.StringVar(&aggregateType, "aggregate-type", string(event.AggregateTypePost), "対象エンティティの種類")
	flags.StringVar(&actorID, "actor", "", "操作したユーザーのID")
	flags.StringSliceVar(&recipients, "recipients", nil, "通知先のユーザーID")
	flags.StringVar(&data, "data", "{}", "イベント固有のデータ（JSON）")
	for _, name := range []string{"type", "aggregate-id", "recipients"} {
		cobra.CheckErr(cmd.MarkFlagRequired(name))
	}
	return cmd
}
