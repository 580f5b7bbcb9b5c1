package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/graph"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/search"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc         *memory.Service
	metrics     *metrics.Metrics
	adminToken  string
	corsOrigins []string
	routes      []string
	logger      *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics exposes m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithAdminToken enables user registration for callers presenting token.
func WithAdminToken(token string) Option {
	return func(h *Handler) { h.adminToken = token }
}

// WithCORSOrigins restricts cross-origin callers.
func WithCORSOrigins(origins []string) Option {
	return func(h *Handler) { h.corsOrigins = origins }
}

// NewHandler creates a new API handler.
func NewHandler(svc *memory.Service, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{svc: svc, logger: logger, corsOrigins: []string{"*"}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Admin-Token"},
	}))

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/", h.serviceInfo)
		r.Get("/health", h.healthCheck)
		r.With(h.requireAdmin).Post("/users", h.createUser)

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)

			r.Get("/me", h.getMe)
			r.Delete("/me", h.deleteMe)

			r.Post("/memories", h.storeMemory)
			r.Get("/memories", h.listMemories)
			r.Post("/memories/recall", h.recallMemories)
			r.Get("/memories/search", h.recallMemories)
			r.Get("/memories/{id}", h.getMemory)
			r.Patch("/memories/{id}", h.updateMemory)
			r.Delete("/memories/{id}", h.deleteMemory)
			r.Post("/memories/{id}/archive", h.archiveMemory(true))
			r.Delete("/memories/{id}/archive", h.archiveMemory(false))

			r.Post("/entities", h.createEntity)
			r.Get("/entities", h.listEntities)
			r.Post("/entities/search", h.searchEntities)
			r.Get("/entities/search", h.searchEntities)
			r.Get("/entities/{id}", h.getEntity)
			r.Patch("/entities/{id}", h.updateEntity)
			r.Delete("/entities/{id}", h.deleteEntity)
			r.Post("/entities/{id}/interactions", h.recordInteraction)
			r.Get("/entities/{id}/relationships", h.entityRelationships)
			r.Get("/entities/{id}/related", h.relatedEntities)

			r.Post("/relationships", h.linkEntities)
			r.Get("/relationships", h.listRelationships)
			r.Delete("/relationships/{id}", h.unlinkEntities)

			r.Post("/search", h.unifiedSearch)
			r.Get("/search", h.unifiedSearch)
			r.Get("/stats", h.getStatistics)
			r.Get("/statistics", h.getStatistics)
			r.Post("/embeddings/backfill", h.backfill)
		})
	})

	h.routes = h.routes[:0]
	chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		h.routes = append(h.routes, method+" "+route)
		return nil
	})
	return r
}

type apiInfo struct {
	Service string   `json:"service"`
	Auth    string   `json:"auth"`
	Routes  []string `json:"routes"`
}

func (h *Handler) serviceInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiInfo{
		Service: "nuka-memory",
		Auth:    "Authorization: Bearer <api key> or X-API-Key",
		Routes:  h.routes,
	})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	health := h.svc.Health(r.Context())
	status := http.StatusOK
	if health.Status == "down" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// authenticate resolves the bearer API key to a tenant and stores it in the
// request context. Handlers never see a request without one.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bearer(r)
		if key == "" {
			key = r.Header.Get("X-API-Key")
		}
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			return
		}
		t, _, err := h.svc.Authenticate(r.Context(), key)
		if err != nil {
			if model.IsStorage(err) {
				h.writeError(w, err)
				return
			}
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithTenant(r.Context(), t)))
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "user registration is disabled"})
			return
		}
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			token = bearer(r)
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid admin token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

type createUserResponse struct {
	User   *model.User `json:"user"`
	APIKey string      `json:"api_key"`
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var in model.UserInput
	if !decode(w, r, &in) {
		return
	}
	u, key, err := h.svc.CreateUser(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createUserResponse{User: u, APIKey: key})
}

func (h *Handler) getMe(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.GetUser(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) deleteMe(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteUser(r.Context(), caller(r)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) storeMemory(w http.ResponseWriter, r *http.Request) {
	mode, ok := h.embedMode(w, r)
	if !ok {
		return
	}
	var body memoryBody
	if !decode(w, r, &body) {
		return
	}
	in, err := body.input()
	if err != nil {
		h.writeError(w, err)
		return
	}
	m, err := h.svc.StoreMemory(r.Context(), caller(r), in, mode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) listMemories(w http.ResponseWriter, r *http.Request) {
	f, limit, cursor, err := listParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	page, err := h.svc.ListMemories(r.Context(), caller(r), f, limit, cursor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	page.Items = nonNil(page.Items)
	writeJSON(w, http.StatusOK, page)
}

// searchRequest is the body of every search endpoint.
type searchRequest struct {
	Query string `json:"query"`
	search.Options
}

// searchInput reads the search request from the query string of GET calls
// and from the body otherwise.
func (h *Handler) searchInput(w http.ResponseWriter, r *http.Request) (searchRequest, bool) {
	if r.Method == http.MethodGet {
		req, err := searchParams(r)
		if err != nil {
			h.writeError(w, err)
			return req, false
		}
		return req, true
	}
	var req searchRequest
	return req, decode(w, r, &req)
}

func (h *Handler) recallMemories(w http.ResponseWriter, r *http.Request) {
	req, ok := h.searchInput(w, r)
	if !ok {
		return
	}
	hits, err := h.svc.RecallMemories(r.Context(), caller(r), req.Query, req.Options)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(hits))
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.GetMemory(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) updateMemory(w http.ResponseWriter, r *http.Request) {
	mode, ok := h.embedMode(w, r)
	if !ok {
		return
	}
	var body memoryPatchBody
	if !decode(w, r, &body) {
		return
	}
	patch, err := body.patch()
	if err != nil {
		h.writeError(w, err)
		return
	}
	m, err := h.svc.UpdateMemory(r.Context(), caller(r), chi.URLParam(r, "id"), patch, mode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) deleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteMemory(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) archiveMemory(archived bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := h.svc.ArchiveMemory(r.Context(), caller(r), chi.URLParam(r, "id"), archived)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func (h *Handler) createEntity(w http.ResponseWriter, r *http.Request) {
	mode, ok := h.embedMode(w, r)
	if !ok {
		return
	}
	var body entityBody
	if !decode(w, r, &body) {
		return
	}
	in, err := body.input()
	if err != nil {
		h.writeError(w, err)
		return
	}
	e, err := h.svc.CreateEntity(r.Context(), caller(r), in, mode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) listEntities(w http.ResponseWriter, r *http.Request) {
	f, limit, cursor, err := listParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	page, err := h.svc.ListEntities(r.Context(), caller(r), f, limit, cursor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	page.Items = nonNil(page.Items)
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) searchEntities(w http.ResponseWriter, r *http.Request) {
	req, ok := h.searchInput(w, r)
	if !ok {
		return
	}
	hits, err := h.svc.SearchEntities(r.Context(), caller(r), req.Query, req.Options)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(hits))
}

func (h *Handler) getEntity(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.GetEntity(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) updateEntity(w http.ResponseWriter, r *http.Request) {
	mode, ok := h.embedMode(w, r)
	if !ok {
		return
	}
	var body entityPatchBody
	if !decode(w, r, &body) {
		return
	}
	patch, err := body.patch()
	if err != nil {
		h.writeError(w, err)
		return
	}
	e, err := h.svc.UpdateEntity(r.Context(), caller(r), chi.URLParam(r, "id"), patch, mode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) deleteEntity(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteEntity(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recordInteraction(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.RecordInteraction(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) entityRelationships(w http.ResponseWriter, r *http.Request) {
	t := caller(r)
	id := chi.URLParam(r, "id")
	if _, err := h.svc.GetEntity(r.Context(), t, id); err != nil {
		h.writeError(w, err)
		return
	}
	rels, err := h.svc.ListRelationships(r.Context(), t, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rels))
}

func (h *Handler) relatedEntities(w http.ResponseWriter, r *http.Request) {
	opts := graph.DefaultRelatedOpts()
	q := r.URL.Query()
	var err error
	if opts.MaxDepth, err = intParam(q, "depth", opts.MaxDepth); err != nil {
		h.writeError(w, err)
		return
	}
	if opts.MaxNodes, err = intParam(q, "limit", opts.MaxNodes); err != nil {
		h.writeError(w, err)
		return
	}
	related, err := h.svc.RelatedEntities(r.Context(), caller(r), chi.URLParam(r, "id"), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(related))
}

func (h *Handler) linkEntities(w http.ResponseWriter, r *http.Request) {
	var in model.RelationshipInput
	if !decode(w, r, &in) {
		return
	}
	rel, err := h.svc.LinkEntities(r.Context(), caller(r), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (h *Handler) listRelationships(w http.ResponseWriter, r *http.Request) {
	rels, err := h.svc.ListRelationships(r.Context(), caller(r), "")
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rels))
}

func (h *Handler) unlinkEntities(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.UnlinkEntities(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unifiedSearch(w http.ResponseWriter, r *http.Request) {
	req, ok := h.searchInput(w, r)
	if !ok {
		return
	}
	hits, err := h.svc.UnifiedSearch(r.Context(), caller(r), req.Query, req.Options)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(hits))
}

func (h *Handler) getStatistics(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetStatistics(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) backfill(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.BackfillEmbeddings(r.Context(), caller(r))
	if err != nil && res == nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		// Partial pass: report what was done alongside the failure.
		h.logger.Warn("backfill incomplete", zap.String("user", caller(r).UserID()), zap.Error(err))
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func (h *Handler) embedMode(w http.ResponseWriter, r *http.Request) (memory.EmbedMode, bool) {
	mode, err := memory.ParseEmbedMode(r.URL.Query().Get("embed"))
	if err != nil {
		h.writeError(w, err)
		return "", false
	}
	return mode, true
}

// caller is the tenant placed in the context by authenticate.
func caller(r *http.Request) tenant.Tenant {
	t, _ := tenant.FromContext(r.Context())
	return t
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
