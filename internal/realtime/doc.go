// Package realtime はオンライン中のユーザーへ通知をプッシュするための
// 接続レジストリとServer-Sent Eventsのフレーム形式を提供する。
//
// Registryはユーザーごとに高々1本の接続を保持する。同じユーザーが再接続すると
// 古い接続はハートビートを止めた上で置き換えられる。接続の状態はプロセス内の
// メモリにのみ存在し、複数プロセス間で共有しない。
package realtime
