// Package pushclient は通知サービスのクライアントを提供する。
//
// プッシュチャネルを購読して切断時に指数バックオフで再接続する Subscribe と、
// 通知一覧の取得や既読化を行うREST APIのヘルパーを持つ。
// 認証エラーは再試行しない。
package pushclient
