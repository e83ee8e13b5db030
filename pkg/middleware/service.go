package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ServiceAuth は業務サービス向け内部APIの認証ミドルウェアを返す。
// 利用者向けとは別のシークレットで署名されたトークンだけを受け付け、
// 呼び出し元サービス名を "user_id" としてコンテキストに設定する。
// secretが空の場合は全リクエストを403で拒否する。
func ServiceAuth(secret string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "内部APIは無効化されています",
			})
		}
	}
	return JWTAuth(secret)
}
