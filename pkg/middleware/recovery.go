package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Recovery はハンドラーのパニックを回復するGinミドルウェアを返す。
// レスポンスをまだ書いていなければ500を返す。プッシュチャネルのように
// 既に書き込みを始めたレスポンスには何も足さず、接続を閉じるだけにする。
func Recovery(logger zerolog.Logger) gin.HandlerFunc {
	logger = logger.With().Str("component", "recovery").Logger()

	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			started := c.Writer.Written()
			logger.Error().
				Str("method", c.Request.Method).
				Str("path", c.Request.URL.Path).
				Str("user", GetUserID(c)).
				Bool("streaming", started).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("ハンドラでパニックが発生しました")

			if started {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "内部サーバーエラーが発生しました",
			})
		}()
		c.Next()
	}
}
