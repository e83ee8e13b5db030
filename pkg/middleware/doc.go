// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証（Authorizationヘッダー、およびSSE接続時の
// クエリパラメータ）、パニックリカバリ、CORS設定を含む。
package middleware
