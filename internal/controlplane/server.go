package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

// Pinger reports database liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool                `json:"ok"`
	DB      string              `json:"db"`
	Version string              `json:"version"`
	Time    string              `json:"time"`
	Queue   *models.QueueStatus `json:"queue,omitempty"`
}

// Server provides the HTTP API for razor.
type Server struct {
	service *Service
	db      Pinger
	addr    string
	version string
	logger  *zap.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, db Pinger, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		service: service,
		db:      db,
		addr:    addr,
		version: "dev",
		logger:  logger,
	}
}

// SetVersion sets the version reported by /health.
func (s *Server) SetVersion(v string) {
	s.version = v
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	// Task endpoints
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)

	// Queue endpoints
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/queue/", s.handleQueue)
	mux.HandleFunc("/locks", s.handleLocks)

	// Snapshot endpoints
	mux.HandleFunc("/snapshots", s.handleSnapshots)
	mux.HandleFunc("/snapshots/", s.handleSnapshotByID)

	// Duplicate endpoints
	mux.HandleFunc("/duplicates", s.handleDuplicates)
	mux.HandleFunc("/duplicates/", s.handleDuplicateByID)

	mux.HandleFunc("/index", s.handleIndex)
	mux.HandleFunc("/audit", s.handleAudit)
	return mux
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting razor daemon", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: invalid json: %v", ErrBadRequest, err)
}

// splitID splits "/prefix/{id}/{action}" into id and action.
func splitID(path, prefix string) (string, string) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	return id, action
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: s.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.db.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.service != nil {
		qs := s.service.QueueStatus()
		resp.Queue = &qs
	}
	writeJSON(w, status, resp)
}

// --- Task Handlers ---

// handleTasks handles POST /tasks and GET /tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req EnqueueRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		task, err := s.service.EnqueueTask(req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	case http.MethodGet:
		tasks, err := s.service.ListTasks(r.URL.Query().Get("state"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		if tasks == nil {
			tasks = []models.Task{}
		}
		writeJSON(w, http.StatusOK, tasks)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskByID handles /tasks/{id}[/cancel|/retry]
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	taskID, action := splitID(r.URL.Path, "/tasks/")
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	var (
		task *models.Task
		err  error
	)
	switch {
	case action == "" && r.Method == http.MethodGet:
		task, err = s.service.GetTask(taskID)
	case action == "cancel" && r.Method == http.MethodPost:
		task, err = s.service.CancelTask(taskID)
	case action == "retry" && r.Method == http.MethodPost:
		task, err = s.service.RetryTask(taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- Queue Handlers ---

type cleanupRequest struct {
	OlderThan string `json:"older_than"`
}

// handleQueue handles /queue[/pause|/resume|/retry-failed|/cleanup]
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/queue"), "/")

	switch {
	case action == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.service.QueueStatus())
	case action == "pause" && r.Method == http.MethodPost:
		writeJSON(w, http.StatusOK, s.service.Pause())
	case action == "resume" && r.Method == http.MethodPost:
		writeJSON(w, http.StatusOK, s.service.Resume())
	case action == "retry-failed" && r.Method == http.MethodPost:
		n, err := s.service.RetryFailed()
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
	case action == "cleanup" && r.Method == http.MethodPost:
		var req cleanupRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		var age time.Duration
		if req.OlderThan != "" {
			var err error
			if age, err = time.ParseDuration(req.OlderThan); err != nil {
				s.writeError(w, fmt.Errorf("%w: older_than: %v", ErrBadRequest, err))
				return
			}
		}
		n, err := s.service.Cleanup(age)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	locks := s.service.Locks()
	if locks == nil {
		locks = []models.Lock{}
	}
	writeJSON(w, http.StatusOK, locks)
}

// --- Snapshot Handlers ---

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snaps, err := s.service.ListSnapshots(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if snaps == nil {
		snaps = []models.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// handleSnapshotByID handles /snapshots/{id}[/restore]
func (s *Server) handleSnapshotByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitID(r.URL.Path, "/snapshots/")
	if id == "" {
		http.Error(w, "snapshot id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		snap, err := s.service.GetSnapshot(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case action == "" && r.Method == http.MethodDelete:
		if err := s.service.DeleteSnapshot(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case action == "restore" && r.Method == http.MethodPost:
		restored, err := s.service.RestoreSnapshot(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, restored)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Duplicate Handlers ---

func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pairs, err := s.service.ListDuplicates(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if pairs == nil {
		pairs = []models.DuplicatePair{}
	}
	writeJSON(w, http.StatusOK, pairs)
}

// handleDuplicateByID handles /duplicates/{id}[/dismiss|/undo-dismiss|/merge]
// and POST /duplicates/clear-history.
func (s *Server) handleDuplicateByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitID(r.URL.Path, "/duplicates/")
	if id == "" {
		http.Error(w, "pair id required", http.StatusBadRequest)
		return
	}

	var (
		pair *models.DuplicatePair
		err  error
	)
	switch {
	case id == "clear-history" && action == "" && r.Method == http.MethodPost:
		writeJSON(w, http.StatusOK, map[string]int{"removed": s.service.ClearDuplicateHistory(r.Context())})
		return
	case action == "" && r.Method == http.MethodGet:
		pair, err = s.service.GetDuplicate(id)
	case action == "dismiss" && r.Method == http.MethodPost:
		pair, err = s.service.SetDuplicateStatus(r.Context(), id, models.PairStatusDismissed)
	case action == "undo-dismiss" && r.Method == http.MethodPost:
		pair, err = s.service.SetDuplicateStatus(r.Context(), id, models.PairStatusPending)
	case action == "merge" && r.Method == http.MethodPost:
		var req MergeRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		task, err := s.service.MergeDuplicate(id, req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, task)
		return
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// --- Index and Audit ---

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.IndexStats())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", ErrBadRequest))
			return
		}
		limit = n
	}
	entries, err := s.service.Audit(r.URL.Query().Get("task_id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
