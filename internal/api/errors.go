package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/search"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

type errorResponse struct {
	Error  string             `json:"error"`
	Fields []model.FieldError `json:"fields,omitempty"`
}

// writeError maps the error classes to status codes. Records owned by
// someone else are reported exactly like missing ones.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		ve *model.ValidationError
		pe *model.ProviderError
		se *model.StorageError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: ve.Fields})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, tenant.ErrNoTenant):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthenticated"})
	case errors.Is(err, embedding.ErrDisabled):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.As(err, &pe):
		h.logger.Warn("embedding provider error", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "embedding provider unavailable"})
	case errors.As(err, &se):
		h.logger.Error("storage error", zap.Error(err))
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable, retry later"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// listParams reads the filter and paging parameters of list endpoints.
// Repeated or comma-separated values are accepted for categories, entity
// types and tags, also under their older plural names.
func listParams(r *http.Request) (model.Filter, int, string, error) {
	q := r.URL.Query()
	var f model.Filter
	ve := &model.ValidationError{}

	for _, s := range multi(q, "category", "memory_types") {
		c, err := model.ParseCategory(s)
		if err != nil {
			ve.Add("category", "unknown category "+strconv.Quote(s))
			continue
		}
		f.Categories = append(f.Categories, c)
	}
	for _, s := range multi(q, "entity_type", "entity_types") {
		t, err := model.ParseEntityType(s)
		if err != nil {
			ve.Add("entity_type", "unknown entity type "+strconv.Quote(s))
			continue
		}
		f.EntityTypes = append(f.EntityTypes, t)
	}
	f.Tags = multi(q, "tag", "tags")
	f.MatchAllTags = q.Get("match") == "all"
	f.IncludeArchived = q.Get("include_archived") == "true"
	if s := q.Get("min_importance"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			ve.Add("min_importance", "must be a number")
		} else {
			f.MinImportance = &v
		}
	}

	limit, err := intParam(q, "limit", 0)
	if err != nil {
		var lve *model.ValidationError
		if errors.As(err, &lve) {
			ve.Fields = append(ve.Fields, lve.Fields...)
		}
	}
	if err := ve.OrNil(); err != nil {
		return model.Filter{}, 0, "", err
	}
	return f, limit, q.Get("cursor"), nil
}

func intParam(q url.Values, name string, def int) (int, error) {
	s := q.Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, model.Invalid(name, "must be a non-negative integer")
	}
	return v, nil
}

func multi(q url.Values, names ...string) []string {
	var out []string
	for _, name := range names {
		for _, v := range q[name] {
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
		}
	}
	return out
}

// searchParams builds a search request from the query string of the GET
// search endpoints.
func searchParams(r *http.Request) (searchRequest, error) {
	f, limit, _, err := listParams(r)
	if err != nil {
		return searchRequest{}, err
	}
	q := r.URL.Query()
	req := searchRequest{Query: q.Get("query")}
	if req.Query == "" {
		req.Query = q.Get("q")
	}
	req.Filter = f
	req.Limit = limit
	req.Strategy = search.Strategy(q.Get("strategy"))
	if s := q.Get("threshold"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return searchRequest{}, model.Invalid("threshold", "must be a number")
		}
		req.Threshold = &v
	}
	return req, nil
}
