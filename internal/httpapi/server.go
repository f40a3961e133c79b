// Package httpapi exposes the inbound HTTP surface: the Pub/Sub push webhook,
// the SMS reply webhook, a manual ingestion trigger, and a health probe.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joshsymonds/mailsentinel/internal/envelope"
	"github.com/joshsymonds/mailsentinel/internal/gmail"
	"github.com/joshsymonds/mailsentinel/internal/store"
)

// Ingester is the single entry point every delivery source funnels through.
type Ingester interface {
	Ingest(ctx context.Context, userKey string, announced gmail.HistoryID) error
}

// Resolver settles a pending confirmation from an out-of-band reply.
type Resolver interface {
	Resolve(ctx context.Context, userKey, decision string) error
}

// Server holds the handlers' dependencies.
type Server struct {
	Store    store.Store
	Ingester Ingester
	Resolver Resolver
	Log      *slog.Logger
}

func NewServer(st store.Store, ing Ingester, res Resolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Store: st, Ingester: ing, Resolver: res, Log: logger}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)
	r.POST("/pubsub/push", s.pubsubPush)
	r.POST("/sms/reply", s.smsReply)
	r.POST("/ingest", s.manualIngest)
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// pubsubPush handles push-subscription deliveries. It always returns 2xx once
// the body has been read: a non-2xx would make the broker redeliver a payload
// we already know how to handle (or already know is garbage), and failed
// ingests are retried through cursor redelivery, not transport nacks.
func (s *Server) pubsubPush(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		s.Log.WarnContext(c.Request.Context(), "push body unreadable", "error", err)
		c.Status(http.StatusNoContent)
		return
	}
	note, err := envelope.Decode(body)
	if err != nil {
		s.Log.WarnContext(c.Request.Context(), "undecodable push dropped", "error", err)
		c.Status(http.StatusNoContent)
		return
	}
	if err := s.Ingester.Ingest(c.Request.Context(), note.UserKey, note.HistoryID); err != nil {
		s.Log.ErrorContext(c.Request.Context(), "push ingest failed", "user", note.UserKey, "error", err)
	}
	c.Status(http.StatusNoContent)
}

type smsReplyRequest struct {
	TextID     string `json:"textId"`
	FromNumber string `json:"fromNumber"`
	Text       string `json:"text"`
}

// smsReply resolves a pending confirmation from the user's SMS answer. The
// sender is identified by phone number; an unknown number is dropped quietly
// so the endpoint doesn't become a phone-number oracle.
func (s *Server) smsReply(c *gin.Context) {
	var req smsReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ctx := c.Request.Context()
	user, err := s.Store.UserByPhone(ctx, req.FromNumber)
	if errors.Is(err, store.ErrNotFound) {
		s.Log.WarnContext(ctx, "sms reply from unknown number dropped")
		c.Status(http.StatusOK)
		return
	}
	if err != nil {
		s.Log.ErrorContext(ctx, "sms reply lookup failed", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if err := s.Resolver.Resolve(ctx, user.Key, req.Text); err != nil {
		s.Log.ErrorContext(ctx, "confirmation resolve failed", "user", user.Key, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)
}

type manualIngestRequest struct {
	UserKey   string `json:"userKey" binding:"required"`
	HistoryID string `json:"historyId" binding:"required"`
}

// manualIngest lets an operator force a sync for one user, announcing an
// explicit cursor. Unlike the broker-facing endpoints it reports failures.
func (s *Server) manualIngest(c *gin.Context) {
	var req manualIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := gmail.ParseHistoryID(req.HistoryID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "historyId must be a positive integer"})
		return
	}
	if err := s.Ingester.Ingest(c.Request.Context(), req.UserKey, id); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ingested"})
}

// Run serves until ctx is cancelled, then shuts down draining in-flight
// requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
