// Package http exposes the coordinator's operator API: job status, the
// manual phase-advance trigger and registration anomaly resolution.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"DistMR/internal/coordinator"
	"DistMR/internal/journal"
	"DistMR/internal/logger"
	"DistMR/internal/registry"
	"DistMR/internal/types"
)

type ServerOpts struct {
	ID   string
	Port int
}

// JournalView is the read side of the replicated job journal
type JournalView interface {
	Job(jobID string) (*journal.JobState, bool)
	Leader() string
}

// StatusResponse is returned by GET /status
type StatusResponse struct {
	JobID        string            `json:"job_id"`
	Phase        types.JobPhase    `json:"phase"`
	Error        string            `json:"error,omitempty"`
	PendingPhase types.JobPhase    `json:"pending_phase,omitempty"`
	Participants []types.WorkerID  `json:"participants"`
	Registry     registry.Snapshot `json:"registry"`
}

type Server struct {
	opts    ServerOpts
	master  *coordinator.Master
	gate    *coordinator.ManualGate
	journal JournalView
	router  *gin.Engine
	srv     *http.Server
	logger  *logger.Logger
}

// NewServer builds the router. gate and jv may be nil when the job runs in
// automatic mode or without a journal.
func NewServer(opts ServerOpts, m *coordinator.Master, gate *coordinator.ManualGate, jv JournalView, lg *logger.Logger) *Server {
	s := &Server{
		opts:    opts,
		master:  m,
		gate:    gate,
		journal: jv,
		logger:  lg.Named("http"),
	}

	gin.DefaultWriter = s.logger.Writer(logger.DEBUG)
	gin.DefaultErrorWriter = s.logger.Writer(logger.ERROR)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.GET("/status", s.handleStatus)
	router.POST("/phases/advance", s.handleAdvance)
	router.POST("/workers/:id/resolve", s.handleResolve)
	router.GET("/journal", s.handleJournal)

	s.router = router
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleStatus(c *gin.Context) {
	phase, err := s.master.Phase()
	resp := StatusResponse{
		JobID:        s.master.JobID(),
		Phase:        phase,
		Participants: s.master.Participants(),
		Registry:     s.master.Registry().Snapshot(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	if s.gate != nil {
		if pending, ok := s.gate.Pending(); ok {
			resp.PendingPhase = pending
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAdvance(c *gin.Context) {
	if s.gate == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "job runs in automatic mode"})
		return
	}
	if err := s.gate.Trigger(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	pending, _ := s.gate.Pending()
	s.logger.Info("Phase advance triggered over http: pending=%s", pending)
	c.JSON(http.StatusAccepted, gin.H{"triggered": true, "pending_phase": pending})
}

func (s *Server) handleResolve(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid worker id %q", c.Param("id"))})
		return
	}
	if !s.master.Registry().Resolve(types.WorkerID(id)) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no anomaly recorded for worker %d", id)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": id})
}

func (s *Server) handleJournal(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	job, ok := s.journal.Job(s.master.JobID())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "nothing journaled yet", "leader": s.journal.Leader()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"leader": s.journal.Leader(), "job": job})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              ":" + strconv.Itoa(s.opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Operator API listening: node_id=%s port=%d", s.opts.ID, s.opts.Port)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
