package relay

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/murdskristians/peercall/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin filtering happens in the CORS middleware.
		return true
	},
}

// Server ties the REST API, the WebSocket hub, and the Redis store together.
type Server struct {
	cfg   *Config
	store *RoomStore
	hub   *Hub
}

func NewServer(cfg *Config, store *RoomStore) *Server {
	return &Server{cfg: cfg, store: store, hub: NewHub()}
}

// Router builds the gin engine with all relay routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", jwtAuth(s.cfg.JWTSecret))
	{
		api.POST("/rooms", s.createRoom)
		api.GET("/rooms/:roomId", s.getRoom)
		api.POST("/rooms/:roomId/end", s.endRoom)
		api.PUT("/conversations/:conversationId/participants", s.setConversation)
		api.GET("/conversations/:conversationId/participants", s.getConversation)
	}

	// Socket endpoints authenticate via token query parameter: browsers
	// cannot set headers on WebSocket dials.
	r.GET("/ws/rooms/:roomId", s.roomSocket)
	r.GET("/ws/inbox", s.inboxSocket)

	return r
}

// Run serves the router on the configured port.
func (s *Server) Run() error {
	addr := ":" + s.cfg.Port
	util.LogInfo("relay listening on %s", addr)
	return s.Router().Run(addr)
}

// ---------------------------------------------------------------------------
// REST handlers
// ---------------------------------------------------------------------------

type createRoomRequest struct {
	ConversationID string   `json:"conversationId" binding:"required"`
	Participants   []string `json:"participants" binding:"required,min=1"`
	IsGroup        bool     `json:"isGroup"`
}

func (s *Server) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	room, err := s.store.CreateRoom(c.Request.Context(), req.ConversationID, req.Participants, req.IsGroup)
	if err != nil {
		util.LogError("create room: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (s *Server) getRoom(c *gin.Context) {
	room, err := s.store.GetRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		util.LogError("get room: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load room"})
		return
	}
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, room)
}

func (s *Server) endRoom(c *gin.Context) {
	if err := s.store.MarkRoomEnded(c.Request.Context(), c.Param("roomId")); err != nil {
		util.LogError("end room: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to end room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

type setConversationRequest struct {
	Participants []string `json:"participants" binding:"required,min=1"`
}

func (s *Server) setConversation(c *gin.Context) {
	var req setConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.SetConversationParticipants(c.Request.Context(), c.Param("conversationId"), req.Participants); err != nil {
		util.LogError("set conversation: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getConversation(c *gin.Context) {
	participants, err := s.store.ConversationParticipants(c.Request.Context(), c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants})
}

// ---------------------------------------------------------------------------
// WebSocket handlers
// ---------------------------------------------------------------------------

func (s *Server) roomSocket(c *gin.Context) {
	roomID := c.Param("roomId")
	userID, ok := s.socketIdentity(c)
	if !ok {
		return
	}

	room, err := s.store.GetRoom(c.Request.Context(), roomID)
	if err != nil || room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if room.Ended() {
		c.JSON(http.StatusGone, gin.H{"error": "room already ended"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.LogWarning("websocket upgrade failed: %v", err)
		return
	}
	s.hub.ServeRoom(conn, roomID, userID)
}

func (s *Server) inboxSocket(c *gin.Context) {
	userID, ok := s.socketIdentity(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.LogWarning("websocket upgrade failed: %v", err)
		return
	}
	s.hub.ServeInbox(conn, userID)
}

// socketIdentity resolves the connecting user from the token query param.
func (s *Server) socketIdentity(c *gin.Context) (string, bool) {
	userID, err := parseToken(c.Query("token"), s.cfg.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return "", false
	}
	return userID, true
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

type tokenClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func parseToken(tokenString, secret string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("missing token")
	}
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", fmt.Errorf("invalid token claims")
	}
	return claims.UserID, nil
}

func jwtAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}
		userID, err := parseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(s.cfg.AllowedOrigins))
	for _, o := range s.cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := allowed[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
