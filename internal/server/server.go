package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/audiolibrelab/pulsecapture/internal/capture"
	"github.com/audiolibrelab/pulsecapture/internal/config"
	"github.com/audiolibrelab/pulsecapture/internal/metrics"
	"github.com/audiolibrelab/pulsecapture/internal/record"
	"github.com/audiolibrelab/pulsecapture/internal/sensor"
	"github.com/audiolibrelab/pulsecapture/internal/service"
	"github.com/audiolibrelab/pulsecapture/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the web server for controlling PulseCapture
type Server struct {
	service service.Service
	port    string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status     string                 `json:"status"`
	DeviceID   string                 `json:"device_id,omitempty"`
	Config     *config.SessionConfig  `json:"config,omitempty"`
	Session    *capture.SessionStatus `json:"session,omitempty"`
	LastReport *capture.Report        `json:"last_report,omitempty"`
	LastError  string                 `json:"last_error,omitempty"`
}

// ConnectRequest represents a request to connect to a sensor
type ConnectRequest struct {
	DeviceID string `json:"device_id"`
}

// ExportRequest represents a request to copy a channel file on the server side
type ExportRequest struct {
	Dest string `json:"dest"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// New creates a new web server instance
func New(svc service.Service, port string) *Server {
	return &Server{
		service: svc,
		port:    port,
	}
}

// Handler builds the router with every API route
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(observe)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/devices", s.handleDevices)
		r.Get("/sessions", s.handleSessions)
		r.Post("/sessions/{prefix}/select", s.handleSelectSession)
		r.Post("/config", s.handleSetConfig)
		r.Post("/connect", s.handleConnect)
		r.Post("/connect/cancel", s.handleCancelConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/capture/start", s.handleStartCapture)
		r.Post("/capture/stop", s.handleStopCapture)
		r.Get("/export/{channel}", s.handleExportDownload)
		r.Post("/export/{channel}", s.handleExportCopy)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", "path", r.URL.Path)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.sendErrorResponse(w, http.StatusNotFound, "Not found", "path", r.URL.Path)
	})
	return r
}

// Start serves until ctx is cancelled, then shuts the listener down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()
	slog.Info("Starting PulseCapture Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleStatus returns the controller state, the running session and the
// outcome of the last one
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.service.GetStatus()
	response := StatusResponse{
		Status:    string(st.State),
		DeviceID:  st.DeviceID,
		Config:    st.Config,
		Session:   st.Session,
		LastError: s.service.GetLastError(),
	}
	if report, ok := s.service.GetLastReport(); ok {
		response.LastReport = report
	}
	s.sendJSON(w, http.StatusOK, response)
}

// handleDevices lists sensors visible to the connector
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.service.ListDevices(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "operation", "list_devices")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"devices": devices,
	})
}

// SessionInfo describes a session found in the data directory
type SessionInfo struct {
	Prefix session.Prefix            `json:"prefix"`
	Files  map[record.Channel]string `json:"files"`
}

// handleSessions lists recorded sessions, newest first
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	recorded, err := s.service.ListSessions()
	if err != nil {
		s.sendServiceError(w, err, "operation", "list_sessions")
		return
	}

	sessions := make([]SessionInfo, 0, len(recorded))
	for i := len(recorded) - 1; i >= 0; i-- {
		sessions = append(sessions, SessionInfo{Prefix: recorded[i].Prefix, Files: recorded[i].Files})
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"sessions":    sessions,
		"total_count": len(sessions),
	})
}

// handleSelectSession makes an earlier session the export source
func (s *Server) handleSelectSession(w http.ResponseWriter, r *http.Request) {
	prefix := session.Prefix(chi.URLParam(r, "prefix"))
	restored, err := s.service.RestoreSession(prefix)
	if err != nil {
		s.sendServiceError(w, err, "operation", "select_session", "prefix", prefix)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Selected session " + string(restored.Prefix),
		"config":  restored.Config,
	})
}

// handleSetConfig stores the session configuration
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.SessionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse session config", "error", err)
		return
	}

	if err := s.service.SetConfig(r.Context(), cfg); err != nil {
		s.sendServiceError(w, err, "operation", "set_config", "participant", cfg.ParticipantID)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session configured",
		"config":  cfg,
	})
}

// handleConnect blocks until the sensor is connected or the attempt ends
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse connect request", "error", err)
		return
	}
	if req.DeviceID == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Device id is required", "operation", "connect")
		return
	}

	slog.Info("Server: connect requested", "device", req.DeviceID)
	if err := s.service.Connect(r.Context(), req.DeviceID); err != nil {
		s.sendServiceError(w, err, "operation", "connect", "device", req.DeviceID)
		return
	}

	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Connected to " + req.DeviceID})
}

// handleCancelConnect aborts a pending connect
func (s *Server) handleCancelConnect(w http.ResponseWriter, r *http.Request) {
	s.service.CancelConnect()
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Connection attempt cancelled"})
}

// handleDisconnect stops capture if needed and drops the sensor
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Disconnect(r.Context()); err != nil {
		s.sendServiceError(w, err, "operation", "disconnect")
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Disconnected"})
}

// handleStartCapture starts a capture session
func (s *Server) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	info, err := s.service.StartCapture(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "operation", "start_capture")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Capture started",
		"session": info,
	})
}

// handleStopCapture stops the running session and returns its report
func (s *Server) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.StopCapture(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "operation", "stop_capture")
		return
	}

	response := map[string]interface{}{
		"success": true,
		"message": "Capture stopped",
		"report":  report,
	}
	if report.StorageErr != nil {
		response["storage_error"] = report.StorageErr.Error()
	}
	s.sendJSON(w, http.StatusOK, response)
}

// handleExportDownload serves the latest file of a channel as an attachment
func (s *Server) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelParam(w, r)
	if !ok {
		return
	}

	file, name, err := s.service.OpenExport(ch)
	if err != nil {
		s.sendServiceError(w, err, "operation", "export", "channel", ch)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, "Error accessing file", "channel", ch, "error", err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), file)
}

// handleExportCopy copies the latest file of a channel into the export
// directory. dest is relative to that directory and may not leave it.
func (s *Server) handleExportCopy(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelParam(w, r)
	if !ok {
		return
	}

	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse export request", "error", err)
		return
	}
	if req.Dest == "" {
		req.Dest = "."
	}
	if !filepath.IsLocal(req.Dest) {
		s.sendErrorResponse(w, http.StatusBadRequest, "Destination must be a relative path inside the export directory",
			"channel", ch, "dest", req.Dest)
		return
	}

	exportDir := s.service.GetConfig().ExportDir()
	dest := filepath.Join(exportDir, req.Dest)
	for _, dir := range []string{exportDir, filepath.Dir(dest)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			s.sendErrorResponse(w, http.StatusInternalServerError, "Failed to create export directory", "error", err)
			return
		}
	}

	written, err := s.service.Export(ch, dest)
	if err != nil {
		s.sendServiceError(w, err, "operation", "export", "channel", ch)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Exported " + string(ch),
		"path":    written,
	})
}

func (s *Server) channelParam(w http.ResponseWriter, r *http.Request) (record.Channel, bool) {
	ch, err := record.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "path", r.URL.Path)
		return "", false
	}
	return ch, true
}

// sendServiceError maps service errors onto HTTP status codes
func (s *Server) sendServiceError(w http.ResponseWriter, err error, logContext ...interface{}) {
	s.sendErrorResponse(w, statusFor(err), err.Error(), logContext...)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrMissingConfiguration),
		errors.Is(err, capture.ErrMissingConnection),
		errors.Is(err, capture.ErrMissingActiveCapture),
		errors.Is(err, capture.ErrCaptureActive),
		errors.Is(err, capture.ErrConnectInProgress),
		errors.Is(err, capture.ErrAlreadyConnected),
		errors.Is(err, capture.ErrConnectCancelled):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoSession):
		return http.StatusNotFound
	case sensor.IsFatal(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	// Log the error with structured context
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

// observe records request latency by route pattern
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
		slog.Debug("HTTP request", "method", r.Method, "route", route, "status", status,
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
