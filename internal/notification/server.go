package notification

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nao1215/societynotify/internal/realtime"
	"github.com/nao1215/societynotify/pkg/middleware"
)

// reconnectHint はプッシュチャネル切断時にクライアントへ伝える再接続間隔。
const reconnectHint = time.Second

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// JWTSecret はトークン検証に使う共有シークレット。
	JWTSecret string
	// InternalSecret は内部APIのトークン検証に使うシークレット。空なら内部APIは403を返す。
	InternalSecret string
	// FetchLimit は通知一覧APIが返す最大件数。
	FetchLimit int
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// Gatherer は /metrics で公開するメトリクスの取得元。nilならデフォルトレジストリ。
	Gatherer prometheus.Gatherer
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// store は通知の永続化層。
	store Store
	// registry はライブ接続の管理。
	registry *realtime.Registry
	// dispatcher は通知の保存とプッシュを行う。
	dispatcher *Dispatcher
	// cfg はサーバー設定。
	cfg ServerConfig
	// logger はサーバーのロガー。
	logger zerolog.Logger
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(store Store, registry *realtime.Registry, dispatcher *Dispatcher, cfg ServerConfig, logger zerolog.Logger) *Server {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = DefaultLimit
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:     router,
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With().Str("component", "http").Logger(),
	}
	s.setupRoutes()

	return s
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// プッシュチャネル。EventSourceはヘッダーを付けられないためトークンはクエリで受け取る
	s.router.GET("/notifications/sse", s.handleStream())

	notifications := s.router.Group("/notifications")
	notifications.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	{
		// 通知一覧取得
		notifications.GET("", s.handleList())
		// 未読通知一覧取得
		notifications.GET("/unread", s.handleListUnread())
		// 通知を既読にする
		notifications.POST("/mark-read", s.handleMarkRead())
		// 全通知を既読にする
		notifications.POST("/mark-all-read", s.handleMarkAllRead())
	}

	// 内部API（業務サービスから呼び出される）。利用者のトークンでは呼べない
	internal := s.router.Group("/internal/notifications")
	internal.Use(middleware.ServiceAuth(s.cfg.InternalSecret))
	{
		internal.POST("/send", s.handleSend())
		internal.DELETE("", s.handleDeleteByRef())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
}

// respondStoreError はストアのエラーをステータスコードに対応付けて返す。
func (s *Server) respondStoreError(c *gin.Context, err error, message string) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrStoreUnavailable) {
		status = http.StatusServiceUnavailable
	}
	s.logger.Error().Err(err).Str("path", c.FullPath()).Msg(message)
	c.JSON(status, gin.H{"error": message})
}

// fetchLimit はクエリのlimitを設定上限以下に収める。未指定なら設定上限。
func (s *Server) fetchLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return s.cfg.FetchLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, s.cfg.FetchLimit), true
}

// handleList は認証済みユーザーの通知一覧を新しい順に返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}
		limit, ok := s.fetchLimit(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limitは正の整数で指定してください"})
			return
		}

		notifications, err := s.store.FindByUser(c.Request.Context(), userID, limit)
		if err != nil {
			s.respondStoreError(c, err, "通知一覧の取得に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"data": notifications})
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧と未読件数を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}
		limit, ok := s.fetchLimit(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limitは正の整数で指定してください"})
			return
		}

		notifications, err := s.store.FindUnreadByUser(c.Request.Context(), userID, limit)
		if err != nil {
			s.respondStoreError(c, err, "未読通知一覧の取得に失敗しました")
			return
		}
		count, err := s.store.CountUnread(c.Request.Context(), userID)
		if err != nil {
			s.respondStoreError(c, err, "未読件数の取得に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"data": notifications, "count": count})
	}
}

// markReadRequest は既読化リクエストのJSON構造。
type markReadRequest struct {
	// NotificationID は既読にする通知のID。
	NotificationID string `json:"notificationId" binding:"required"`
}

// handleMarkRead は指定された通知を既読にするハンドラ。
// 他人の通知・存在しない通知・既読済みの通知に対しても成功を返し、状態は変えない。
func (s *Server) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req markReadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "notificationIdが必要です"})
			return
		}

		changed, err := s.store.MarkRead(c.Request.Context(), req.NotificationID, userID)
		if err != nil {
			s.respondStoreError(c, err, "通知の既読処理に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"data": true, "updated": changed})
	}
}

// handleMarkAllRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		updated, err := s.store.MarkAllRead(c.Request.Context(), userID)
		if err != nil {
			s.respondStoreError(c, err, "全通知の既読処理に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"data": true, "updated": updated})
	}
}

// sendRequest は通知送信リクエストのJSON構造。
type sendRequest struct {
	// UserIDs は通知先のユーザーID一覧。
	UserIDs []string `json:"userIds" binding:"required,min=1"`
	// Kind は通知種別。
	Kind Kind `json:"kind" binding:"required"`
	// Title は通知のタイトル。
	Title string `json:"title" binding:"required"`
	// Message は通知メッセージ。
	Message string `json:"message" binding:"required"`
	// Payload は関連エンティティへの参照。
	Payload Payload `json:"payload"`
}

// handleSend は通知の配信を受け付けるハンドラ。
// 配信はバックグラウンドで行い、受付時点で202を返す。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}

		msg := Message{Kind: req.Kind, Title: req.Title, Message: req.Message, Payload: req.Payload}
		if err := msg.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		s.dispatcher.NotifyAsync(c.Request.Context(), req.UserIDs, msg)
		c.JSON(http.StatusAccepted, gin.H{"data": true})
	}
}

// handleDeleteByRef はペイロードの参照が一致する通知を削除するハンドラ。
// 参照先のエンティティを削除した業務サービスから呼び出される。
func (s *Server) handleDeleteByRef() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, value := c.Query("key"), c.Query("value")
		if key == "" || value == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "keyとvalueが必要です"})
			return
		}

		deleted, err := s.store.DeleteByPayloadRef(c.Request.Context(), key, value)
		if err != nil {
			if errors.Is(err, ErrInvalidPayloadKey) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			s.respondStoreError(c, err, "通知の削除に失敗しました")
			return
		}

		s.logger.Info().Str("key", key).Str("value", value).Int64("deleted", deleted).Msg("参照先の削除に伴い通知を削除しました")
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted": deleted}})
	}
}

// handleStream はプッシュチャネルを開くハンドラ。
// トークンの検証後に接続確立フレームを送り、その書き込みが成功してから接続を登録する。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := middleware.ParseToken(s.cfg.JWTSecret, c.Query("token"))
		if err != nil {
			message := middleware.ErrTokenInvalid.Error()
			if errors.Is(err, middleware.ErrTokenMissing) {
				message = middleware.ErrTokenMissing.Error()
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": message})
			return
		}

		header := c.Writer.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		ch := realtime.NewHTTPChannel(c.Writer)
		hello, err := realtime.Encode(realtime.ConnectedFrame(), reconnectHint)
		if err != nil {
			s.logger.Error().Err(err).Msg("接続確立フレームの生成に失敗しました")
			return
		}
		if err := ch.Send(hello); err != nil {
			s.logger.Warn().Err(err).Str("user", claims.UserID).Msg("接続確立フレームの送信に失敗しました")
			return
		}

		conn := s.registry.Register(claims.UserID, ch)
		defer conn.Close()

		select {
		case <-c.Request.Context().Done():
		case <-conn.Done():
		}
	}
}
