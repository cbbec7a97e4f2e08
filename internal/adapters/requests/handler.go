// Package requests exposes the animal request allocation engine over HTTP.
package requests

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vivarium/internal/adapters/reports"
	"vivarium/internal/core"
	"vivarium/pkg/domain"
)

// ExportScheduler queues report export requests and exposes their status.
type ExportScheduler interface {
	Enqueue(ctx context.Context, input reports.ExportInput) (reports.ExportRecord, error)
	GetExport(id string) (reports.ExportRecord, bool)
	ListExports() []reports.ExportRecord
}

// Handler provides HTTP access to requests, availability and report exports.
type Handler struct {
	Service *core.Service
	Exports ExportScheduler
}

// NewHandler constructs a request HTTP handler.
func NewHandler(service *core.Service) *Handler {
	return &Handler{Service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		writeError(w, http.StatusInternalServerError, "service not configured")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/api/v1/requests":
		h.handleRequests(w, r)
	case strings.HasPrefix(path, "/api/v1/requests/"):
		h.handleRequest(w, r, strings.TrimPrefix(path, "/api/v1/requests/"))
	case path == "/api/v1/animals/available" && r.Method == http.MethodGet:
		h.handleAvailable(w, r)
	case path == "/api/v1/animals/stats" && r.Method == http.MethodGet:
		h.handleStats(w, r)
	case strings.HasPrefix(path, "/api/v1/reports/exports"):
		if h.Exports == nil {
			http.NotFound(w, r)
			return
		}
		h.handleExports(w, r, path)
	default:
		http.NotFound(w, r)
	}
}

type createRequestPayload struct {
	Title             string          `json:"title"`
	StudyID           *string         `json:"study_id"`
	RequestedBy       string          `json:"requested_by"`
	Criteria          domain.Criteria `json:"criteria"`
	QuantityRequested int             `json:"quantity_requested"`
	NeededBy          *time.Time      `json:"needed_by"`
	Priority          string          `json:"priority"`
}

func (h *Handler) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"requests": h.Service.ListAnimalRequests()})
	case http.MethodPost:
		var payload createRequestPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request payload")
			return
		}
		request := domain.AnimalRequest{
			Title:             payload.Title,
			StudyID:           payload.StudyID,
			RequestedBy:       payload.RequestedBy,
			Criteria:          payload.Criteria,
			QuantityRequested: payload.QuantityRequested,
			NeededBy:          payload.NeededBy,
			Priority:          domain.RequestPriority(payload.Priority),
		}
		created, _, err := h.Service.CreateAnimalRequest(r.Context(), request)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"request": created})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request, remainder string) {
	segments := strings.Split(remainder, "/")
	id := segments[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		request, err := h.Service.GetAnimalRequest(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"request":     request,
			"allocations": h.Service.ActiveAllocationsForRequest(id),
		})
		return
	}

	if len(segments) != 2 {
		http.NotFound(w, r)
		return
	}
	switch segments[1] {
	case "availability":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		animals, err := h.Service.RequestAvailability(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if animals == nil {
			animals = []domain.Animal{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"animals": animals})
	case "allocate":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleAllocate(w, r, id)
	case "release":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleRelease(w, r, id)
	case "status":
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleStatus(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

type allocatePayload struct {
	AnimalIDs []string `json:"animal_ids"`
	Actor     string   `json:"actor"`
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request, id string) {
	var payload allocatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid allocate payload")
		return
	}
	request, allocations, _, err := h.Service.Allocate(r.Context(), id, payload.AnimalIDs, payload.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": request, "allocations": allocations})
}

type releasePayload struct {
	AnimalID string `json:"animal_id"`
	Reason   string `json:"reason"`
	Actor    string `json:"actor"`
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request, id string) {
	var payload releasePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid release payload")
		return
	}
	if payload.AnimalID == "" {
		writeError(w, http.StatusBadRequest, "animal_id required")
		return
	}
	request, _, err := h.Service.ReleaseAllocation(r.Context(), id, payload.AnimalID, payload.Reason, payload.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": request})
}

type statusPayload struct {
	Status string  `json:"status"`
	Notes  *string `json:"notes"`
	Actor  string  `json:"actor"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	var payload statusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid status payload")
		return
	}
	request, _, err := h.Service.TransitionRequest(r.Context(), id, domain.RequestStatus(payload.Status), payload.Notes, payload.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": request})
}

func (h *Handler) handleAvailable(w http.ResponseWriter, r *http.Request) {
	criteria, err := criteriaFromQuery(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	animals, err := h.Service.Available(r.Context(), criteria)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if animals == nil {
		animals = []domain.Animal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"animals": animals})
}

func criteriaFromQuery(r *http.Request) (domain.Criteria, error) {
	q := r.URL.Query()
	criteria := domain.Criteria{
		Species:       q.Get("species"),
		Strain:        q.Get("strain"),
		SexPreference: domain.SexPreference(q.Get("sex")),
	}
	if alts := q.Get("strain_alternatives"); alts != "" {
		criteria.StrainAlternatives = strings.Split(alts, ",")
	}
	if genotype := q.Get("genotype"); genotype != "" {
		criteria.Genotype = &genotype
	}
	if alts := q.Get("genotype_alternatives"); alts != "" {
		criteria.GenotypeAlternatives = strings.Split(alts, ",")
	}
	var err error
	if criteria.MinAgeDays, err = intQuery(q.Get("min_age_days"), "min_age_days"); err != nil {
		return domain.Criteria{}, err
	}
	if criteria.MaxAgeDays, err = intQuery(q.Get("max_age_days"), "max_age_days"); err != nil {
		return domain.Criteria{}, err
	}
	return criteria, nil
}

func intQuery(raw, field string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, domain.ValidationError{Field: field, Message: "must be an integer"}
	}
	return &n, nil
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Service.AvailabilityStatistics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

type exportPayload struct {
	Kind        string   `json:"kind"`
	Formats     []string `json:"formats"`
	RequestedBy string   `json:"requested_by"`
	Reason      string   `json:"reason"`
}

func (h *Handler) handleExports(w http.ResponseWriter, r *http.Request, path string) {
	if path == "/api/v1/reports/exports" {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"exports": h.Exports.ListExports()})
		case http.MethodPost:
			var payload exportPayload
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				writeError(w, http.StatusBadRequest, "invalid export payload")
				return
			}
			formats := make([]reports.Format, 0, len(payload.Formats))
			for _, format := range payload.Formats {
				formats = append(formats, reports.Format(format))
			}
			record, err := h.Exports.Enqueue(r.Context(), reports.ExportInput{
				Kind:        reports.Kind(payload.Kind),
				Formats:     formats,
				RequestedBy: payload.RequestedBy,
				Reason:      payload.Reason,
			})
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"export": record})
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(path, "/api/v1/reports/exports/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	record, ok := h.Exports.GetExport(id)
	if !ok {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"export": record})
}

// writeDomainError maps the allocation engine's error taxonomy onto HTTP
// status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		validation domain.ValidationError
		conflict   domain.ConflictError
		ineligible domain.IneligibleAnimalError
		transition domain.InvalidTransitionError
		notFound   domain.NotFoundError
		rules      domain.RuleViolationError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &ineligible):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "animal_ids": ineligible.AnimalIDs})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "animal_ids": conflict.AnimalIDs})
	case errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "from": transition.From, "to": transition.To})
	case errors.As(err, &rules):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
