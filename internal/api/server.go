// Package api provides the HTTP server for the gateway. It exposes the
// OpenAI-compatible surface, the Google-native passthrough, the agent control
// channel endpoint, and the operator surface for runtime switches.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/router-for-me/StudioProxyAPI/internal/api/middleware"
	"github.com/router-for-me/StudioProxyAPI/internal/config"
	"github.com/router-for-me/StudioProxyAPI/internal/coordinator"
	"github.com/router-for-me/StudioProxyAPI/internal/credential"
	"github.com/router-for-me/StudioProxyAPI/internal/link"
	"github.com/router-for-me/StudioProxyAPI/internal/rotation"
	"github.com/router-for-me/StudioProxyAPI/internal/usage"
)

// Server is the gateway's HTTP front.
type Server struct {
	engine *gin.Engine
	server *http.Server

	cfg         *config.Config
	coordinator *coordinator.Coordinator
	agentLink   *link.AgentLink
	rotation    *rotation.Controller
	store       *credential.Store
	stats       *usage.Store

	upgrader websocket.Upgrader
}

// NewServer creates and wires the API server.
func NewServer(cfg *config.Config, co *coordinator.Coordinator, agentLink *link.AgentLink, controller *rotation.Controller, store *credential.Store, stats *usage.Store) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestLogging(cfg.RequestLog))
	engine.Use(corsMiddleware())

	s := &Server{
		engine:      engine,
		cfg:         cfg,
		coordinator: co,
		agentLink:   agentLink,
		rotation:    controller,
		store:       store,
		stats:       stats,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The agent connects from a local browser context whose Origin
			// never matches the gateway host.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    cfg.Addr(),
		Handler: engine,
	}
	return s
}

// setupRoutes registers all endpoints.
func (s *Server) setupRoutes() {
	// Agent control channel; the agent authenticates like any client.
	s.engine.GET("/agent", AuthMiddleware(s.cfg), s.agentHandler)

	// OpenAI compatible surface.
	v1 := s.engine.Group("/v1")
	v1.Use(AuthMiddleware(s.cfg))
	{
		v1.GET("/models", s.coordinator.ProcessModelList)
		v1.POST("/chat/completions", s.coordinator.ProcessOpenAI)
	}

	// Operator surface. Hidden entirely when no operator key is configured.
	if s.cfg.OperatorKey != "" {
		operator := s.engine.Group("/api")
		operator.Use(s.operatorMiddleware())
		{
			operator.GET("/status", s.statusHandler)
			operator.POST("/switch-account", s.switchAccountHandler)
			operator.POST("/set-mode", s.setModeHandler)
			operator.POST("/toggle-reasoning", s.toggleReasoningHandler)
			operator.POST("/toggle-native-reasoning", s.toggleNativeReasoningHandler)
			operator.POST("/set-resume-config", s.setResumeConfigHandler)
		}
	}

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Studio Proxy API",
			"endpoints": []string{
				"POST /v1/chat/completions",
				"GET /v1/models",
				"POST /v1beta/models/{model}:generateContent",
				"POST /v1beta/models/{model}:streamGenerateContent",
			},
		})
	})

	// Everything else is Google-native passthrough.
	passthrough := gin.HandlersChain{AuthMiddleware(s.cfg), s.coordinator.ProcessRequest}
	s.engine.NoRoute(passthrough...)
}

// agentHandler upgrades the control channel connection and hands it to the link.
func (s *Server) agentHandler(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("agent control channel upgrade failed: %v", err)
		return
	}
	s.agentLink.Accept(conn, c.ClientIP())
}

// statusHandler reports rotation state, credential inventory, runtime
// settings, and persisted usage statistics.
func (s *Server) statusHandler(c *gin.Context) {
	snapshot := s.rotation.Snapshot()
	payload := gin.H{
		"rotation":        snapshot,
		"agentConnected":  s.agentLink.HasLiveConnection(),
		"streamingMode":   s.coordinator.StreamingMode(),
		"resumeLimit":     s.coordinator.ResumeLimit(),
		"credentialCount": len(s.store.AvailableIndices()),
		"credentials":     s.credentialList(),
	}
	if s.stats != nil {
		if statsSnapshot, err := s.stats.Snapshot(); err == nil {
			payload["usageStats"] = statsSnapshot
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) credentialList() []gin.H {
	indices := s.store.AvailableIndices()
	out := make([]gin.H, 0, len(indices))
	current := s.rotation.CurrentIndex()
	for _, index := range indices {
		out = append(out, gin.H{
			"index":   index,
			"name":    s.store.DisplayName(index),
			"current": index == current,
		})
	}
	return out
}

func (s *Server) switchAccountHandler(c *gin.Context) {
	var body struct {
		Index int `json:"index"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index required"})
		return
	}
	if err := s.rotation.SwitchTo(c.Request.Context(), body.Index); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"currentIndex": s.rotation.CurrentIndex()})
}

func (s *Server) setModeHandler(c *gin.Context) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode required"})
		return
	}
	if err := s.coordinator.SetStreamingMode(body.Mode); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"streamingMode": s.coordinator.StreamingMode()})
}

func (s *Server) toggleReasoningHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reasoning": s.coordinator.ToggleReasoning()})
}

func (s *Server) toggleNativeReasoningHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nativeReasoning": s.coordinator.ToggleNativeReasoning()})
}

func (s *Server) setResumeConfigHandler(c *gin.Context) {
	var body struct {
		Limit int `json:"limit"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit required"})
		return
	}
	if err := s.coordinator.SetResumeLimit(body.Limit); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumeLimit": s.coordinator.ResumeLimit()})
}

// operatorMiddleware authenticates the operator surface. The configured key
// may be stored as a bcrypt hash; plain keys compare in constant time.
func (s *Server) operatorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-Operator-Key")
		if provided == "" {
			authHeader := c.GetHeader("Authorization")
			if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				provided = parts[1]
			}
		}
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing operator key"})
			return
		}

		configured := s.cfg.OperatorKey
		var ok bool
		if strings.HasPrefix(configured, "$2") {
			ok = bcrypt.CompareHashAndPassword([]byte(configured), []byte(provided)) == nil
		} else {
			ok = subtle.ConstantTimeCompare([]byte(configured), []byte(provided)) == 1
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid operator key"})
			return
		}
		c.Next()
	}
}

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	log.Infof("API server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// corsMiddleware adds permissive CORS headers so browser-based clients and
// the agent page can reach the gateway.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Goog-Api-Key, X-Api-Key, X-Operator-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// AuthMiddleware authenticates client requests against the configured API
// keys. Keys arrive as a Bearer token, a Google or generic API key header, or
// the "key" query parameter.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(cfg.APIKeys) == 0 {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		authHeaderGoogle := c.GetHeader("X-Goog-Api-Key")
		authHeaderGeneric := c.GetHeader("X-Api-Key")
		apiKeyQuery, _ := c.GetQuery("key")

		if authHeader == "" && authHeaderGoogle == "" && authHeaderGeneric == "" && apiKeyQuery == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
			return
		}

		var apiKey string
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			apiKey = parts[1]
		} else {
			apiKey = authHeader
		}

		for i := range cfg.APIKeys {
			candidate := cfg.APIKeys[i]
			if candidate == apiKey || candidate == authHeaderGoogle || candidate == authHeaderGeneric || candidate == apiKeyQuery {
				c.Set("apiKey", candidate)
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
	}
}
