package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"pwnlink/agent/internal/agent"
	"pwnlink/agent/internal/config"
	"pwnlink/agent/internal/localfs"
	"pwnlink/agent/internal/logging"
	"pwnlink/agent/internal/metrics"
	"pwnlink/agent/internal/model"
	"pwnlink/agent/internal/probe"
	"pwnlink/agent/internal/records"
	"pwnlink/agent/internal/store"
	"pwnlink/agent/internal/telemetry"
	"pwnlink/agent/internal/util"
)

// EventLister reads recorded connectivity changes. It is nil without a
// history database.
type EventLister interface {
	ListConnectivityEvents(ctx context.Context, start, end time.Time, limit int) ([]model.ConnectivityEvent, error)
}

type Server struct {
	cfg     config.Config
	svc     *agent.Service
	monitor *probe.Monitor
	hub     *telemetry.Hub
	events  EventLister
	logger  *zap.Logger
}

func NewServer(cfg config.Config, svc *agent.Service, monitor *probe.Monitor, hub *telemetry.Hub, events EventLister, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		monitor: monitor,
		hub:     hub,
		events:  events,
		logger:  logging.OrNop(logger),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws/events", s.handleWSEvents)

	r.Route("/api", func(r chi.Router) {
		r.Route("/connectivity", func(r chi.Router) {
			r.Get("/", s.handleConnectivity)
			r.Get("/events", s.handleConnectivityEvents)
		})

		r.Get("/device/config", s.handleDeviceConfig)

		r.Route("/sync", func(r chi.Router) {
			r.Post("/", s.handleSyncStart)
			r.Delete("/", s.handleSyncCancel)
			r.Get("/status", s.handleSyncStatus)
			r.Get("/runs", s.handleSyncRuns)
			r.Get("/runs/{id}", s.handleSyncRun)
		})

		r.Route("/records", func(r chi.Router) {
			r.Get("/", s.handleRecords)
			r.Get("/export.xlsx", s.handleRecordsExport)
		})

		r.Route("/files", func(r chi.Router) {
			r.Get("/", s.handleLocalFiles)
			r.Get("/{name}", s.handleLocalFile)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}

func (s *Server) handleConnectivity(w http.ResponseWriter, _ *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"endpoint":        s.monitor.Endpoint(),
		"monitor_running": s.monitor.IsRunning(),
		"state":           s.svc.Connectivity(),
	})
}

func (s *Server) handleConnectivityEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		util.WriteError(w, http.StatusServiceUnavailable, "history database not configured")
		return
	}

	end := parseTimeQuery(r, "end", time.Now().UTC())
	start := parseTimeQuery(r, "start", end.Add(-24*time.Hour))
	if !start.Before(end) {
		util.WriteError(w, http.StatusBadRequest, "start must be before end")
		return
	}
	limit, err := parsePositiveIntQuery(r, "limit", 200)
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.events.ListConnectivityEvents(r.Context(), start, end, limit)
	if err != nil {
		s.logger.Error("list connectivity events failed", zap.Error(err))
		util.WriteError(w, http.StatusInternalServerError, "failed to list connectivity events")
		return
	}
	util.WriteJSON(w, http.StatusOK, events)
}

func (s *Server) handleDeviceConfig(w http.ResponseWriter, _ *http.Request) {
	cfg, ok := s.svc.RemoteConfig()
	if !ok {
		util.WriteError(w, http.StatusNotFound, "device configuration not fetched yet")
		return
	}
	util.WriteJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	var req agent.SyncRequest
	if err := util.DecodeOptionalJSON(r, &req); err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	run, err := s.svc.StartSync(r.Context(), req)
	switch {
	case err == nil:
		util.WriteJSON(w, http.StatusAccepted, run)
	case errors.Is(err, agent.ErrNotReachable):
		util.WriteError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, agent.ErrSyncRunning):
		util.WriteError(w, http.StatusConflict, err.Error())
	default:
		util.WriteError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleSyncCancel(w http.ResponseWriter, _ *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]any{"cancelled": s.svc.CancelSync()})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	util.WriteJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleSyncRuns(w http.ResponseWriter, r *http.Request) {
	page, err := parsePositiveIntQuery(r, "page", 1)
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	pageSize, err := parsePositiveIntQuery(r, "page_size", 50)
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	statuses, err := parseStatusQuery(r, "status")
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	query := store.SyncRunQuery{
		Statuses: statuses,
		Since:    parseTimeQuery(r, "since", time.Time{}),
		Page:     page,
		PageSize: pageSize,
		SortDir:  r.URL.Query().Get("sort_dir"),
	}
	runs, total, err := s.svc.SyncRuns(r.Context(), query)
	if err != nil {
		s.logger.Error("list sync runs failed", zap.Error(err))
		util.WriteError(w, http.StatusInternalServerError, "failed to list sync runs")
		return
	}
	query = store.NormalizeSyncRunQuery(query)
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"items":     runs,
		"total":     total,
		"page":      query.Page,
		"page_size": query.PageSize,
	})
}

func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.svc.SyncRun(r.Context(), id.String())
	if errors.Is(err, store.ErrSyncRunNotFound) {
		util.WriteError(w, http.StatusNotFound, "sync run not found")
		return
	}
	if err != nil {
		s.logger.Error("get sync run failed", zap.String("id", id.String()), zap.Error(err))
		util.WriteError(w, http.StatusInternalServerError, "failed to get sync run")
		return
	}
	util.WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListLocalRecords()
	if err != nil {
		s.logger.Error("list records failed", zap.Error(err))
		util.WriteError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	if parseBoolQuery(r, "with_position") {
		list = lo.Filter(list, func(record model.CorrelatedRecord, _ int) bool {
			return record.Position != nil
		})
	}
	util.WriteJSON(w, http.StatusOK, list)
}

func (s *Server) handleRecordsExport(w http.ResponseWriter, _ *http.Request) {
	list, err := s.svc.ListLocalRecords()
	if err != nil {
		s.logger.Error("list records failed", zap.Error(err))
		util.WriteError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	var buf bytes.Buffer
	if err := records.WriteXLSX(&buf, list); err != nil {
		s.logger.Error("export records failed", zap.Error(err))
		util.WriteError(w, http.StatusInternalServerError, "failed to export records")
		return
	}

	filename := fmt.Sprintf("captures-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleLocalFiles(w http.ResponseWriter, _ *http.Request) {
	files, err := s.svc.LocalFiles()
	if err != nil {
		s.logger.Error("list local files failed", zap.Error(err))
		util.WriteError(w, http.StatusInternalServerError, "failed to list local files")
		return
	}
	util.WriteJSON(w, http.StatusOK, files)
}

func (s *Server) handleLocalFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	pretty := parseBoolQuery(r, "pretty")

	data, err := s.svc.ReadLocalFile(name, pretty)
	switch {
	case err == nil:
	case errors.Is(err, localfs.ErrInvalidName), errors.Is(err, agent.ErrNotJSON):
		util.WriteError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, fs.ErrNotExist):
		util.WriteError(w, http.StatusNotFound, "file not found")
		return
	default:
		s.logger.Error("read local file failed", zap.String("file", name), zap.Error(err))
		util.WriteError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	if path.Ext(name) == ".json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := map[string]struct{}{}
	for _, origin := range s.cfg.AllowedOrigins {
		allowed[strings.TrimSpace(origin)] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
		}

		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func parseCSVQuery(r *http.Request, key string) []string {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value != "" {
			out = append(out, value)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseStatusQuery(r *http.Request, key string) ([]model.SyncRunStatus, error) {
	values := parseCSVQuery(r, key)
	out := make([]model.SyncRunStatus, 0, len(values))
	for _, value := range values {
		status := model.SyncRunStatus(strings.ToLower(value))
		switch status {
		case model.SyncRunning, model.SyncSucceeded, model.SyncFailed, model.SyncCancelled:
			out = append(out, status)
		default:
			return nil, fmt.Errorf("invalid status: %s", value)
		}
	}
	return lo.Uniq(out), nil
}

func parsePositiveIntQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return value, nil
}

func parseBoolQuery(r *http.Request, key string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(key)))
	return err == nil && value
}

func parseTimeQuery(r *http.Request, key string, fallback time.Time) time.Time {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02-15-04-05", raw); err == nil {
		return t.UTC()
	}
	return fallback
}
