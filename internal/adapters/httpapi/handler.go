// Package httpapi serves the OmniPost JSON API over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"omnipost/internal/app"
	"omnipost/internal/entity"
)

// DefaultMaxUploadBytes bounds the in-memory part of multipart bodies.
const DefaultMaxUploadBytes = 32 << 20

// Service is the application surface the handlers call.
type Service interface {
	ListProfiles(ctx context.Context, cursor string, limit int) (entity.Page[app.Profile], error)
	CreateProfile(ctx context.Context, name string) (app.Profile, error)
	UpdateProfileAccounts(ctx context.Context, id string, accounts []app.ConnectedAccount) (app.Profile, error)
	DeleteProfile(ctx context.Context, id string) (app.DeleteResult, error)
	ListAPIKeys(ctx context.Context, cursor string, limit int) (entity.Page[app.APIKey], error)
	CreateAPIKey(ctx context.Context) (app.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) (app.DeleteResult, error)
	Upload(ctx context.Context, rawKey string, req app.UploadRequest) (app.UploadReceipt, error)
	Account(ctx context.Context) app.Account
	ChangeAvatar(ctx context.Context, avatar *app.File) (string, error)
}

var _ Service = (*app.Service)(nil)

// Options configures NewHandler.
type Options struct {
	Logger *slog.Logger
	// Registry receives the HTTP collectors and backs GET /metrics. Nil uses
	// the prometheus default registry.
	Registry       *prometheus.Registry
	MaxUploadBytes int64
}

// Handler routes API requests to a Service.
type Handler struct {
	svc       Service
	logger    *slog.Logger
	maxUpload int64
	router    *mux.Router
}

// NewHandler builds the router with its middleware and metric collectors.
func NewHandler(svc Service, opts Options) (*Handler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	var (
		reg      prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if opts.Registry != nil {
		reg, gatherer = opts.Registry, opts.Registry
	}
	metrics, err := newHTTPMetrics(reg)
	if err != nil {
		return nil, err
	}

	h := &Handler{svc: svc, logger: logger, maxUpload: maxUpload, router: mux.NewRouter()}
	h.router.Use(recoveryMiddleware(logger), loggingMiddleware(logger), metrics.middleware)

	api := h.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/profiles", h.listProfiles).Methods(http.MethodGet).Name("profiles.list")
	api.HandleFunc("/profiles", h.createProfile).Methods(http.MethodPost).Name("profiles.create")
	api.HandleFunc("/profiles/{id}", h.updateProfile).Methods(http.MethodPut).Name("profiles.update")
	api.HandleFunc("/profiles/{id}", h.deleteProfile).Methods(http.MethodDelete).Name("profiles.delete")
	api.HandleFunc("/api-keys", h.listAPIKeys).Methods(http.MethodGet).Name("apikeys.list")
	api.HandleFunc("/api-keys", h.createAPIKey).Methods(http.MethodPost).Name("apikeys.create")
	api.HandleFunc("/api-keys/{id}", h.deleteAPIKey).Methods(http.MethodDelete).Name("apikeys.delete")
	api.HandleFunc("/upload", h.upload).Methods(http.MethodPost).Name("upload")
	api.HandleFunc("/account", h.account).Methods(http.MethodGet).Name("account.get")
	api.HandleFunc("/account/avatar", h.changeAvatar).Methods(http.MethodPost).Name("account.avatar")

	h.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet).Name("metrics")
	h.router.Handle("/debug/vars", expvar.Handler()).Methods(http.MethodGet).Name("expvar")
	h.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	h.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Error: message})
}

// fail maps a service error to its HTTP status and client-facing message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	writeError(w, status, message)
}

var notFoundMessages = map[string]string{
	app.ProfileKind.Name: "Profile not found",
	app.APIKeyKind.Name:  "API Key not found",
}

func statusFor(err error) (int, string) {
	var (
		verr  *app.ValidationError
		unerr *app.UnauthorizedError
		serr  *entity.Error
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Message
	case errors.As(err, &unerr):
		return http.StatusUnauthorized, unerr.Error()
	case errors.As(err, &serr):
		switch serr.Code {
		case entity.CodeNotFound:
			if msg, ok := notFoundMessages[serr.Entity]; ok {
				return http.StatusNotFound, msg
			}
			return http.StatusNotFound, "Not found"
		case entity.CodeAlreadyExists:
			return http.StatusConflict, "Already exists"
		case entity.CodeInvalidCursor:
			return http.StatusBadRequest, "Invalid cursor"
		case entity.CodeInvalidArgument:
			return http.StatusBadRequest, "Invalid request"
		case entity.CodeStorageUnavailable:
			return http.StatusServiceUnavailable, "Storage unavailable"
		}
	}
	return http.StatusInternalServerError, "Internal server error"
}

func pageParams(r *http.Request) (string, int, error) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return "", 0, &app.ValidationError{Field: "limit", Message: "Invalid limit"}
		}
		limit = n
	}
	return q.Get("cursor"), limit, nil
}

func (h *Handler) listProfiles(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := pageParams(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := h.svc.ListProfiles(r.Context(), cursor, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, page)
}

func (h *Handler) createProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	profile, err := h.svc.CreateProfile(r.Context(), body.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, profile)
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConnectedAccounts *[]app.ConnectedAccount `json:"connectedAccounts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	var accounts []app.ConnectedAccount
	if body.ConnectedAccounts != nil {
		accounts = *body.ConnectedAccounts
		if accounts == nil {
			accounts = []app.ConnectedAccount{}
		}
	}
	profile, err := h.svc.UpdateProfileAccounts(r.Context(), mux.Vars(r)["id"], accounts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, profile)
}

func (h *Handler) deleteProfile(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.DeleteProfile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *Handler) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := pageParams(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := h.svc.ListAPIKeys(r.Context(), cursor, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, page)
}

func (h *Handler) createAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.svc.CreateAPIKey(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, key)
}

func (h *Handler) deleteAPIKey(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.DeleteAPIKey(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// apiKeyFromHeader extracts the secret from "Authorization: Apikey <key>".
func apiKeyFromHeader(r *http.Request) string {
	key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Apikey ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(key)
}

// formFile describes the named multipart file, or returns nil when absent.
func formFile(r *http.Request, field string) *app.File {
	if r.MultipartForm == nil {
		return nil
	}
	headers := r.MultipartForm.File[field]
	if len(headers) == 0 {
		return nil
	}
	return fileInfo(headers[0])
}

func fileInfo(fh *multipart.FileHeader) *app.File {
	return &app.File{Name: fh.Filename, Size: fh.Size}
}

// parseMultipart parses the body as a multipart form. A body that is not a
// form leaves r.MultipartForm nil so the service reports the missing fields
// after authentication.
func (h *Handler) parseMultipart(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		h.logger.DebugContext(r.Context(), "multipart parse failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	h.parseMultipart(w, r)
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}
	req := app.UploadRequest{Media: formFile(r, "media")}
	if form := r.MultipartForm; form != nil {
		req.Title = firstValue(form, "title")
		req.ProfileID = firstValue(form, "profileId")
		req.Platforms = append(req.Platforms, form.Value["platform[]"]...)
		req.Platforms = append(req.Platforms, form.Value["platform"]...)
	}
	receipt, err := h.svc.Upload(r.Context(), apiKeyFromHeader(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, receipt)
}

func firstValue(form *multipart.Form, field string) string {
	if vs := form.Value[field]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (h *Handler) account(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.svc.Account(r.Context()))
}

func (h *Handler) changeAvatar(w http.ResponseWriter, r *http.Request) {
	h.parseMultipart(w, r)
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}
	url, err := h.svc.ChangeAvatar(r.Context(), formFile(r, "avatar"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"newAvatarUrl": url})
}
