// Package handlers implements the REST API for managing hosted game servers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tomyedwab/archhost/audit"
	"github.com/tomyedwab/archhost/httputils"
	"github.com/tomyedwab/archhost/instances"
	"github.com/tomyedwab/archhost/processes"
	"github.com/tomyedwab/archhost/types"
)

const (
	defaultMaxUploadBytes = 64 << 20
	defaultOutputLines    = 100
	uploadField           = "file"
)

// ServerManager is the control surface the handlers drive.
type ServerManager interface {
	Create(ctx context.Context) (*types.Instance, error)
	Get(ctx context.Context, id int64) (*types.Instance, error)
	List(ctx context.Context, offset, limit int) ([]types.Instance, error)
	Delete(ctx context.Context, id int64) error
	Init(ctx context.Context, id int64, payload io.Reader, filename string, overwrite bool) (*types.Instance, error)
	Start(ctx context.Context, id int64, callbackURL string) (*types.Instance, error)
	Stop(ctx context.Context, id int64) (*types.Instance, error)
	Kill(ctx context.Context, id int64) (*types.Instance, error)
	SendCommand(ctx context.Context, id int64, command string) error
	Output(ctx context.Context, id int64, count int) ([]processes.OutputLine, error)
	Events(ctx context.Context, id int64, limit int) ([]audit.Event, error)
}

// StartRequest is the optional body of POST /servers/{id}/start.
type StartRequest struct {
	CallbackURL string `json:"callback_url"`
}

// CommandRequest is the body of POST /servers/{id}/command.
type CommandRequest struct {
	Command string `json:"command"`
}

// OKResponse acknowledges requests that return no resource.
type OKResponse struct {
	OK bool `json:"ok"`
}

type Config struct {
	Manager        ServerManager // Required
	Logger         *slog.Logger  // Optional, defaults to slog.Default()
	MaxUploadBytes int64         // Optional, defaults to 64MiB
}

// ServersHandler routes /servers requests to a ServerManager.
type ServersHandler struct {
	manager        ServerManager
	logger         *slog.Logger
	maxUploadBytes int64
	router         *mux.Router
}

func NewServersHandler(cfg Config) *ServersHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	h := &ServersHandler{
		manager:        cfg.Manager,
		logger:         cfg.Logger.With("component", "ServersHandler"),
		maxUploadBytes: cfg.MaxUploadBytes,
	}

	r := mux.NewRouter()
	for _, prefix := range []string{"/servers", "/servers/"} {
		r.HandleFunc(prefix, h.createServer).Methods(http.MethodPost)
		r.HandleFunc(prefix, h.listServers).Methods(http.MethodGet)
	}
	r.HandleFunc("/servers/{id:[0-9]+}", h.getServer).Methods(http.MethodGet)
	r.HandleFunc("/servers/{id:[0-9]+}", h.deleteServer).Methods(http.MethodDelete)
	r.HandleFunc("/servers/{id:[0-9]+}/init", h.initServer).Methods(http.MethodPost)
	r.HandleFunc("/servers/{id:[0-9]+}/start", h.startServer).Methods(http.MethodPost)
	r.HandleFunc("/servers/{id:[0-9]+}/stop", h.stopServer).Methods(http.MethodPost)
	r.HandleFunc("/servers/{id:[0-9]+}/kill", h.killServer).Methods(http.MethodPost)
	r.HandleFunc("/servers/{id:[0-9]+}/command", h.sendCommand).Methods(http.MethodPost)
	r.HandleFunc("/servers/{id:[0-9]+}/output", h.getOutput).Methods(http.MethodGet)
	r.HandleFunc("/servers/{id:[0-9]+}/events", h.getEvents).Methods(http.MethodGet)
	h.router = r
	return h
}

func (h *ServersHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// StatusFor maps a manager error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, instances.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, instances.ErrEmptyPayload):
		return http.StatusBadRequest
	case errors.Is(err, processes.ErrNotInitialized),
		errors.Is(err, processes.ErrWrongState),
		errors.Is(err, processes.ErrProcessNotRunning),
		errors.Is(err, instances.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, processes.ErrShutdownTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, processes.ErrPortsExhausted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *ServersHandler) respond(w http.ResponseWriter, r *http.Request, resp interface{}, err error) {
	httputils.HandleAPIResponse(w, r, resp, err, StatusFor(err))
}

func (h *ServersHandler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	httputils.WriteError(w, r, http.StatusBadRequest, err)
}

func serverID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid server id: %w", err)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, value)
	}
	return n, nil
}

func (h *ServersHandler) createServer(w http.ResponseWriter, r *http.Request) {
	instance, err := h.manager.Create(r.Context())
	h.respond(w, r, instance, err)
}

func (h *ServersHandler) listServers(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", instances.DefaultListLimit)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	if limit > instances.MaxListLimit {
		h.badRequest(w, r, fmt.Errorf("limit must be at most %d", instances.MaxListLimit))
		return
	}
	list, err := h.manager.List(r.Context(), offset, limit)
	h.respond(w, r, list, err)
}

func (h *ServersHandler) getServer(w http.ResponseWriter, r *http.Request) {
	id, err := serverID(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	instance, err := h.manager.Get(r.Context(), id)
	h.respond(w, r, instance, err)
}

func (h *ServersHandler) deleteServer(w http.ResponseWriter, r *http.Request) {
	id, err := serverID(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	err = h.manager.Delete(r.Context(), id)
	h.respond(w, r, OKResponse{OK: true}, err)
}

func (h *ServersHandler) initServer(w http.ResponseWriter, r *http.Request) {
	id, err := serverID(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	overwrite := false
	if value := r.URL.Query().Get("overwrite"); value != "" {
		overwrite, err = strconv.ParseBool(value)
		if err != nil {
			h.badRequest(w, r, fmt.Errorf("invalid overwrite: %q", value))
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	file, header, err := r.FormFile(uploadField)
	if err != nil {
		h.badRequest(w, r, fmt.Errorf("missing game data upload in form field %q: %w", uploadField, err))
		return
	}
	defer file.Close()

	instance, err := h.manager.Init(r.Context(), id, file, header.Filename, overwrite)
	h.respond(w, r, instance, err)
}

func (h *ServersHandler) startServer(w http.ResponseWriter, r *http.Request) {
	id, err := serverID(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	var req StartRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(w, r, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.CallbackURL != "" {
		u, err := url.ParseRequestURI(req.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			h.badRequest(w, r, fmt.Errorf("invalid callback_url: %q", req.CallbackURL))
			return
		}
	}

	instance, err := h.manager.Start(r.Context(), id, req.CallbackURL)
	if err != nil {
		httputils.WriteError(w, r, StatusFor(err), err)
		return
	}
	httputils.WriteJSON(w, r, http.StatusAccepted, instance)
}

func (h *ServersHandler) stopServer(w http.ResponseWriter, r *http.Request) {
	id, err := serverID(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	instance, err := h.manager.Stop(r.Context(), id)
	h.respond(w, r, instance, err)
}

func (h *ServersHandler) killServer(w http.ResponseWriter, r *http.Request) {
	id, err := serverID(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	instance, err := h.manager.Kill(r.Context(), id)
	h.respond(w, r, instance, err)
}

func (h *ServersHandler) sendCommand(w http.ResponseWriter, r *http.Request) {
	id, err := serverID(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	var req CommandRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, r, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Command == "" {
		h.badRequest(w, r, errors.New("command must not be empty"))
		return
	}
	err = h.manager.SendCommand(r.Context(), id, req.Command)
	h.respond(w, r, OKResponse{OK: true}, err)
}

func (h *ServersHandler) getOutput(w http.ResponseWriter, r *http.Request) {
	id, err := serverID(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	count, err := queryInt(r, "count", defaultOutputLines)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	lines, err := h.manager.Output(r.Context(), id, count)
	h.respond(w, r, lines, err)
}

func (h *ServersHandler) getEvents(w http.ResponseWriter, r *http.Request) {
	id, err := serverID(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", instances.MaxListLimit)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	events, err := h.manager.Events(r.Context(), id, limit)
	h.respond(w, r, events, err)
}
