// Package notification は通知サービスの内部実装を提供する。
//
// 業務サービスが発行するソーシャルイベント（いいね、コメント、参加申請など）を
// ユーザーごとの通知として保存し、オンライン中のユーザーにはプッシュチャネルで
// 即時に届ける。通知の一覧取得や既読管理のHTTP APIも提供する。
package notification
