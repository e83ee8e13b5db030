// 通知サービスのエントリポイント。
// ソーシャルイベントを受けて通知を保存し、接続中のユーザーへSSEで即時にプッシュする。
// 動作確認用にプッシュチャネルの購読やイベントの発行を行うサブコマンドも持つ。
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd はサブコマンドを束ねたルートコマンドを生成する。
func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:           "societynotify",
		Short:         "サークル活動のリアルタイム通知サービス",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "設定ファイルのパス（YAML/JSON/TOML）")

	root.AddCommand(
		newServeCmd(v, &cfgFile),
		newListenCmd(),
		newTokenCmd(v, &cfgFile),
		newPublishCmd(),
	)
	return root
}

// newLogger はサービス共通のルートロガーを生成する。不明なレベルはinfoとして扱う。
func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "notification").Logger()
}
