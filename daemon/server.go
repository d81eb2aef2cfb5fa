package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/toolconn/bus"
	"github.com/petal-labs/toolconn/connection"
	"github.com/petal-labs/toolconn/eventlog"
	"github.com/petal-labs/toolconn/sse"
	"github.com/petal-labs/toolconn/tool"
)

const defaultProbeTimeout = 10 * time.Second

var (
	// ErrNilService indicates server creation without a tool service.
	ErrNilService = errors.New("daemon: tool service is nil")
	// ErrNilProber indicates server creation without a prober for test-connection.
	ErrNilProber = errors.New("daemon: prober is nil")
)

// ServerConfig controls daemon HTTP server dependencies.
type ServerConfig struct {
	Service *tool.Service
	// Prober runs the one-shot checks behind POST /api/tools/test-connection.
	Prober connection.Prober
	// Log backs the log endpoints. It should also be attached to the
	// service's controller as a notifier.
	Log *eventlog.Log
	// Bus enables the SSE status routes when set.
	Bus          bus.EventBus
	Logger       *slog.Logger
	ProbeTimeout time.Duration
}

// Server exposes the tool connection API.
type Server struct {
	service      *tool.Service
	prober       connection.Prober
	log          *eventlog.Log
	bus          bus.EventBus
	logger       *slog.Logger
	probeTimeout time.Duration
}

// NewServer constructs a daemon API server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Service == nil {
		return nil, ErrNilService
	}
	if cfg.Prober == nil {
		return nil, ErrNilProber
	}
	if cfg.Log == nil {
		cfg.Log = eventlog.NewLog(eventlog.LogConfig{Logger: cfg.Logger})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	return &Server{
		service:      cfg.Service,
		prober:       cfg.Prober,
		log:          cfg.Log,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		probeTimeout: cfg.ProbeTimeout,
	}, nil
}

// Service returns the backing tool service.
func (s *Server) Service() *tool.Service {
	return s.service
}

// Handler returns an http.Handler exposing daemon APIs.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("POST /api/tools", s.handleCreateTool)
	mux.HandleFunc("POST /api/tools/test-connection", s.handleTestConnection)
	mux.HandleFunc("GET /api/tools/{id}", s.handleGetTool)
	mux.HandleFunc("PATCH /api/tools/{id}", s.handleUpdateTool)
	mux.HandleFunc("DELETE /api/tools/{id}", s.handleDeleteTool)

	mux.HandleFunc("POST /api/tools/{id}/test", s.handleTestTool)
	mux.HandleFunc("POST /api/tools/{id}/connect", s.handleTestTool)
	mux.HandleFunc("POST /api/tools/{id}/disconnect", s.handleDisconnectTool)
	mux.HandleFunc("GET /api/tools/{id}/status", s.handleToolStatus)

	mux.HandleFunc("GET /api/tools/{id}/logs", s.handleToolLogs)
	mux.HandleFunc("DELETE /api/tools/{id}/logs", s.handleClearToolLogs)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("DELETE /api/logs", s.handleClearLogs)

	if s.bus != nil {
		events := sse.NewHandler(s.bus, s.service.Controller())
		mux.Handle("GET /api/tools/events", events)
		mux.Handle("GET /api/tools/{id}/events", events)
	}

	return mux
}

// apiResponse is the envelope of every /api response.
type apiResponse struct {
	Success bool              `json:"success"`
	Data    any               `json:"data,omitempty"`
	Message string            `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
	Code    string            `json:"code,omitempty"`
	Errors  []tool.Diagnostic `json:"errors,omitempty"`
}

// StatusResponse is the data of GET /api/tools/{id}/status.
type StatusResponse struct {
	Connection connection.ToolConnection `json:"connection"`
	Loading    bool                      `json:"loading"`
}

// TestConnectionData is the data of a successful test-connection response.
type TestConnectionData struct {
	Name           string                    `json:"name"`
	ConnectionType connection.ConnectionType `json:"connectionType"`
	Status         connection.Status         `json:"status"`
	LastActive     time.Time                 `json:"lastActive"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.service.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Data:    tool.RedactTools(tools),
		Message: "Tools retrieved successfully",
	})
}

func (s *Server) handleCreateTool(w http.ResponseWriter, r *http.Request) {
	var input tool.ToolInput
	if err := decodeJSONBody(r, &input); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	created, err := s.service.Create(r.Context(), input)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, apiResponse{
		Success: true,
		Data:    tool.RedactTool(created),
		Message: "Tool created successfully",
	})
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Data:    tool.RedactTool(t),
		Message: "Tool retrieved successfully",
	})
}

func (s *Server) handleUpdateTool(w http.ResponseWriter, r *http.Request) {
	var input tool.UpdateToolInput
	if err := decodeJSONBody(r, &input); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	updated, err := s.service.Update(r.Context(), r.PathValue("id"), input)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Data:    tool.RedactTool(updated),
		Message: "Tool updated successfully",
	})
}

func (s *Server) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Message: "Tool deleted successfully",
	})
}

// handleTestConnection runs the prober once against a posted descriptor.
// No controller state is touched.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var descriptor connection.Descriptor
	if err := decodeJSONBody(r, &descriptor); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if descriptor.AuthMethod == "" {
		descriptor.AuthMethod = connection.AuthMethodNone
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.probeTimeout)
	defer cancel()

	result, err := s.prober.Probe(ctx, descriptor)
	if err == nil && result.OK {
		writeJSON(w, http.StatusOK, apiResponse{
			Success: true,
			Message: "Connection test successful",
			Data: TestConnectionData{
				Name:           descriptor.Name,
				ConnectionType: descriptor.ConnectionType,
				Status:         connection.StatusConnected,
				LastActive:     time.Now().UTC(),
			},
		})
		return
	}

	code, message := connection.FailureDetails(result, err)
	s.logger.Debug("test-connection failed",
		"name", descriptor.Name,
		"connection_type", descriptor.ConnectionType,
		"code", code,
		"error", message,
	)
	writeJSONError(w, probeFailureStatus(code), code, message)
}

func (s *Server) handleTestTool(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Test(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	message := "Connection test successful"
	if !result.Success {
		message = "Connection test failed"
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Data:    result,
		Message: message,
	})
}

func (s *Server) handleDisconnectTool(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.Disconnect(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Data:    tool.RedactTool(t),
		Message: "Tool disconnected",
	})
}

func (s *Server) handleToolStatus(w http.ResponseWriter, r *http.Request) {
	conn, loading, err := s.service.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Data:    StatusResponse{Connection: conn, Loading: loading},
	})
}

func (s *Server) handleToolLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Data:    truncateEntries(s.log.ToolLogs(strings.TrimSpace(r.PathValue("id"))), limit),
	})
}

func (s *Server) handleClearToolLogs(w http.ResponseWriter, r *http.Request) {
	s.log.Clear(r.Context(), strings.TrimSpace(r.PathValue("id")))
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Logs cleared"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries := s.log.Logs()
	if toolID, ok := queryParam(r, "toolId"); ok && strings.TrimSpace(toolID) != "" {
		entries = s.log.ToolLogs(strings.TrimSpace(toolID))
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Data:    truncateEntries(entries, limit),
	})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	s.log.Clear(r.Context(), "")
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Logs cleared"})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var validationErr *tool.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, apiResponse{
			Success: false,
			Message: validationErr.Message,
			Code:    validationErr.Code,
			Errors:  validationErr.Details,
		})
	case errors.Is(err, tool.ErrToolNotFound):
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		s.logger.Error("daemon request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// probeFailureStatus maps a failure code to the test-connection HTTP status.
func probeFailureStatus(code string) int {
	switch code {
	case connection.CodeInvalidCredentials:
		return http.StatusUnauthorized
	case connection.CodeInvalidEndpoint:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw, ok := queryParam(r, "limit")
	if !ok {
		return 0, true
	}
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || limit < 0 {
		writeJSONError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}

func truncateEntries(entries []eventlog.Entry, limit int) []eventlog.Entry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	if entries == nil {
		return []eventlog.Entry{}
	}
	return entries
}

func queryParam(r *http.Request, key string) (string, bool) {
	values, ok := r.URL.Query()[key]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func decodeJSONBody(r *http.Request, target any) error {
	if target == nil {
		return errors.New("decode target is nil")
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiResponse{
		Success: false,
		Error:   message,
		Code:    code,
	})
}
