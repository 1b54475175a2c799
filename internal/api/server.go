// Package api exposes the engine's HTTP surface: the sync trigger, connection
// management and operational endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relaycrm/mailsync/internal/auth"
	"github.com/relaycrm/mailsync/internal/mail"
	"github.com/relaycrm/mailsync/internal/store/sqlite"
	"github.com/relaycrm/mailsync/internal/sync"
)

// Server wires the gin router to the engine.
type Server struct {
	store        *sqlite.Store
	orchestrator *sync.Orchestrator
	verifier     *auth.JWTVerifier // nil disables API auth
	log          *zap.Logger
}

func NewServer(store *sqlite.Store, orchestrator *sync.Orchestrator, verifier *auth.JWTVerifier, log *zap.Logger) *Server {
	return &Server{
		store:        store,
		orchestrator: orchestrator,
		verifier:     verifier,
		log:          log.Named("api"),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := r.Group("/")
	protected.Use(s.authMiddleware())

	protected.POST("/sync/trigger", s.triggerSync)
	protected.POST("/connections", s.createConnection)
	protected.GET("/connections", s.listConnections)
	protected.DELETE("/connections/:id", s.disconnect)
	protected.POST("/messages/retire", s.retireMessage)

	return r
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.verifier == nil {
			c.Next()
			return
		}
		caller, err := s.verifier.CallerFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Set("caller_id", caller.ID)
		c.Next()
	}
}

// triggerSync runs one orchestrator pass. The response is always a structured
// per-connection breakdown; one bad mailbox never blanks out results for
// healthy ones.
func (s *Server) triggerSync(c *gin.Context) {
	var req sync.TriggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	report, err := s.orchestrator.Run(c.Request.Context(), req)
	if err != nil {
		s.log.Error("sync pass failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, report)
}

type createConnectionRequest struct {
	UserID       string    `json:"userId" binding:"required"`
	Email        string    `json:"email" binding:"required"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"accessToken" binding:"required"`
	RefreshToken string    `json:"refreshToken" binding:"required"`
	TokenExpiry  time.Time `json:"tokenExpiry" binding:"required"`
}

// createConnection registers an authorized mailbox link. Credentials are
// assumed valid and refreshable; the consent flow happens upstream.
func (s *Server) createConnection(c *gin.Context) {
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	provider := mail.ProviderName(req.Provider)
	if provider == "" {
		provider = mail.ProviderGoogle
	}

	conn := &mail.Connection{
		UserID:       req.UserID,
		Email:        req.Email,
		Provider:     provider,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenExpiry:  req.TokenExpiry,
	}
	if err := s.store.CreateConnection(c.Request.Context(), conn); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": conn.ID})
}

type connectionView struct {
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	Email      string `json:"email"`
	Provider   string `json:"provider"`
	Cursor     string `json:"cursor,omitempty"`
	LastSyncAt string `json:"lastSyncAt,omitempty"`
	Active     bool   `json:"active"`
	LastError  string `json:"lastError,omitempty"`
}

func (s *Server) listConnections(c *gin.Context) {
	conns, err := s.store.ListConnections(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		view := connectionView{
			ID:        conn.ID,
			UserID:    conn.UserID,
			Email:     conn.Email,
			Provider:  string(conn.Provider),
			Cursor:    conn.HistoryCursor,
			Active:    conn.Active,
			LastError: conn.LastError,
		}
		if !conn.LastSyncAt.IsZero() {
			view.LastSyncAt = conn.LastSyncAt.UTC().Format(time.RFC3339)
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{"connections": views})
}

// disconnect marks a connection inactive. Rows are never hard-deleted.
func (s *Server) disconnect(c *gin.Context) {
	if err := s.store.SetConnectionActive(c.Request.Context(), c.Param("id"), false); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

type retireRequest struct {
	StableMessageID string `json:"stableMessageId" binding:"required"`
}

// retireMessage removes a stored email and writes the permanent processed
// marker that keeps every future sync from re-importing it.
func (s *Server) retireMessage(c *gin.Context) {
	var req retireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.store.RetireMessage(c.Request.Context(), req.StableMessageID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "retired"})
}
