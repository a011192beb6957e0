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
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/micclip/internal/config"
	"github.com/audiolibrelab/micclip/internal/service"
)

// Server exposes the capture service over HTTP
type Server struct {
	service    service.Service
	configFile string
	addr       string

	mu            sync.RWMutex
	activeProfile string

	httpServer *http.Server
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status        string                    `json:"status"`
	Message       string                    `json:"message,omitempty"`
	Session       *service.RecordingSession `json:"session,omitempty"`
	Config        *ResolvedConfigInfo       `json:"resolved_config"`
	ActiveProfile string                    `json:"active_profile"`
}

// ResolvedConfigInfo contains configuration information for clients
type ResolvedConfigInfo struct {
	SampleRate       int     `json:"sample_rate"`
	Channels         int     `json:"channels"`
	Backend          string  `json:"backend"`
	SilenceThreshold float64 `json:"silence_threshold"`
	MaxRecordSeconds int     `json:"max_record_seconds"`
	Async            bool    `json:"async"`
}

// RecordingsResponse represents the JSON response for the recordings endpoint
type RecordingsResponse struct {
	Recordings []service.ClipInfo `json:"recordings"`
	TotalCount int                `json:"total_count"`
}

// New creates a server for svc listening on addr
func New(svc service.Service, configFile, addr string) *Server {
	s := &Server{
		service:       svc,
		configFile:    configFile,
		addr:          addr,
		activeProfile: getActiveProfileName(configFile),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", s.withMetrics("/start", s.handleStartRecording))
	mux.HandleFunc("/stop", s.withMetrics("/stop", s.handleStopRecording))
	mux.HandleFunc("/status", s.withMetrics("/status", s.handleStatus))
	mux.HandleFunc("/config/profiles", s.withMetrics("/config/profiles", s.handleProfiles))
	mux.HandleFunc("/config/select", s.withMetrics("/config/select", s.handleSelectProfile))
	mux.HandleFunc("/config/threshold", s.withMetrics("/config/threshold", s.handleThreshold))
	mux.HandleFunc("/api/recordings", s.withMetrics("/api/recordings", s.handleRecordings))
	mux.HandleFunc("/api/recordings/", s.withMetrics("/api/recordings/{id}", s.handleRecording))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", s.service.Metrics().Handler())
	return mux
}

// ListenAndServe serves until Shutdown is called
func (s *Server) ListenAndServe() error {
	slog.Info("Starting micclip web server",
		"addr", s.addr,
		"local_url", fmt.Sprintf("http://%s", displayAddr(s.addr)))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleStartRecording starts a recording (STANDBY -> RECORDING)
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// Parse form data
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "start_recording")
		return
	}

	name := r.FormValue("name")
	if name == "" {
		name = time.Now().Format("clip-20060102-150405")
	}

	slog.Info("Server: Starting recording", "name", name)
	if err := s.service.StartRecording(name); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to start recording: %v", err),
			"name", name, "operation", "start_recording")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Recording started",
		"name":    name,
	})
}

// handleStopRecording stops the current recording session
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id, err := s.service.StopRecording()
	if err != nil {
		s.sendErrorResponse(w, http.StatusConflict,
			fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_recording")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Recording stopped",
		"clip_id": id,
	})
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	status, session := s.service.GetRecordingStatus()

	s.mu.RLock()
	activeProfile := s.activeProfile
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:        string(status),
		Message:       s.generateStatusMessage(status, session),
		Session:       session,
		Config:        resolvedConfigInfo(s.service.GetConfig()),
		ActiveProfile: activeProfile,
	})
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.mu.RLock()
	activeProfile := s.activeProfile
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles":       s.getAvailableProfiles(),
		"active_profile": activeProfile,
	})
}

// handleSelectProfile switches the service to another profile and saves
// the choice as active_config
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "profile_selection")
		return
	}

	profile := r.FormValue("profile")
	if profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile name is required", "operation", "profile_selection")
		return
	}
	slog.Debug("Profile selection request", "profile", profile)

	if err := s.service.LoadProfile(profile); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(),
			"profile", profile, "operation", "profile_selection")
		return
	}

	if err := config.UpdateActiveConfig(s.configFile, profile); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to save profile selection to config file: %v", err),
			"profile", profile, "operation", "profile_selection")
		return
	}

	s.mu.Lock()
	s.activeProfile = profile
	s.mu.Unlock()

	slog.Info("Profile changed", "profile", profile)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Profile changed to %s", profile),
		"profile": profile,
	})
}

// handleThreshold changes the silence threshold for subsequent recordings
func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "update_threshold")
		return
	}

	threshold, err := strconv.ParseFloat(r.FormValue("threshold"), 64)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "threshold must be a number",
			"value", r.FormValue("threshold"), "operation", "update_threshold")
		return
	}

	if err := s.service.UpdateThreshold(threshold); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "update_threshold")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"threshold": threshold,
	})
}

// handleRecordings lists the retained clips, newest first
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	recordings := s.service.ListRecordings()
	if recordings == nil {
		recordings = []service.ClipInfo{}
	}

	writeJSON(w, http.StatusOK, RecordingsResponse{
		Recordings: recordings,
		TotalCount: len(recordings),
	})
}

// handleRecording returns a single clip by ID
func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/recordings/")
	if id == "" || strings.Contains(id, "/") {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid recording id", "path", r.URL.Path)
		return
	}

	info, err := s.service.GetRecording(id)
	if err != nil {
		s.sendErrorResponse(w, http.StatusNotFound, err.Error(), "clip_id", id)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

func resolvedConfigInfo(cfg *config.Config) *ResolvedConfigInfo {
	return &ResolvedConfigInfo{
		SampleRate:       cfg.Audio.SampleRate,
		Channels:         cfg.Audio.Channels,
		Backend:          cfg.Audio.Backend,
		SilenceThreshold: cfg.Trim.SilenceThreshold,
		MaxRecordSeconds: cfg.Trim.MaxRecordSeconds,
		Async:            cfg.Trim.Async,
	}
}

func (s *Server) getAvailableProfiles() []string {
	profiles := []string{}

	if s.configFile == "" {
		return profiles
	}
	if _, err := os.Stat(s.configFile); err != nil {
		return profiles
	}

	rootConfig, err := config.ValidateConfigurationFormat(s.configFile)
	if err != nil {
		slog.Debug("Failed to read config file for profiles", "error", err)
		return profiles
	}
	for profileName := range rootConfig.Configs {
		profiles = append(profiles, profileName)
	}
	sort.Strings(profiles)

	slog.Debug("Available profiles loaded", "profiles", profiles, "config_file", s.configFile)
	return profiles
}

// getActiveProfileName reads active_config, defaulting to "default"
func getActiveProfileName(configFile string) string {
	if configFile == "" {
		return "default"
	}
	if _, err := os.Stat(configFile); err != nil {
		return "default"
	}
	rootConfig, err := config.ValidateConfigurationFormat(configFile)
	if err != nil || rootConfig.ActiveConfig == "" {
		return "default"
	}
	return rootConfig.ActiveConfig
}

func (s *Server) generateStatusMessage(status service.RecordingStatus, session *service.RecordingSession) string {
	switch status {
	case service.StatusRecording:
		if session != nil {
			return fmt.Sprintf("Recording in progress - %s (%.1fs)", session.Name, session.ElapsedSeconds)
		}
		return "Recording in progress"
	case service.StatusError:
		// Get detailed error information from service
		if errorDetails := s.service.GetLastError(); errorDetails != "" {
			return errorDetails
		}
		return "An error occurred during the operation"
	default:
		return ""
	}
}

// withMetrics wraps an HTTP handler with metrics collection
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		s.service.Metrics().RecordHTTPRequest(r.Method, endpoint,
			strconv.Itoa(ww.statusCode), time.Since(startTime).Seconds())
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	// Log the error with structured context
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

// displayAddr turns a listen address into something clickable
func displayAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = getLocalIP()
	}
	return net.JoinHostPort(host, port)
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
