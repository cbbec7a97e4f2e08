package requests_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vivarium/internal/adapters/reports"
	"vivarium/internal/adapters/requests"
	"vivarium/internal/blob"
	"vivarium/internal/core"
	"vivarium/pkg/domain"
)

func newTestHandler(t *testing.T) (*requests.Handler, *core.Service) {
	t.Helper()
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine())
	return requests.NewHandler(svc), svc
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func seedMouse(t *testing.T, svc *core.Service, name string) core.Animal {
	t.Helper()
	animal, _, err := svc.CreateAnimal(context.Background(), core.Animal{
		Name: name, Species: "Mus musculus", Strain: "C57BL/6J", Sex: domain.SexFemale,
	})
	if err != nil {
		t.Fatalf("seed animal: %v", err)
	}
	return animal
}

func createRequestViaAPI(t *testing.T, h http.Handler, quantity int) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/requests", map[string]any{
		"title":        "cohort",
		"requested_by": "dr-ortiz",
		"criteria": map[string]any{
			"species": "Mus musculus",
			"strain":  "C57BL/6J",
		},
		"quantity_requested": quantity,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create request: status %d body %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Request domain.AnimalRequest `json:"request"`
	}
	decode(t, rec, &payload)
	if payload.Request.ID == "" {
		t.Fatalf("response missing request id: %s", rec.Body.String())
	}
	return payload.Request.ID
}

func TestCreateAndFetchRequest(t *testing.T) {
	h, _ := newTestHandler(t)
	id := createRequestViaAPI(t, h, 2)

	rec := do(t, h, http.MethodGet, "/api/v1/requests/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get request: status %d", rec.Code)
	}
	var payload struct {
		Request     domain.AnimalRequest `json:"request"`
		Allocations []domain.Allocation  `json:"allocations"`
	}
	decode(t, rec, &payload)
	if payload.Request.Status != domain.RequestSubmitted {
		t.Fatalf("status = %s, want %s", payload.Request.Status, domain.RequestSubmitted)
	}
	if len(payload.Allocations) != 0 {
		t.Fatalf("fresh request should have no allocations")
	}

	list := do(t, h, http.MethodGet, "/api/v1/requests", nil)
	var listed struct {
		Requests []domain.AnimalRequest `json:"requests"`
	}
	decode(t, list, &listed)
	if len(listed.Requests) != 1 || listed.Requests[0].ID != id {
		t.Fatalf("unexpected request list: %+v", listed.Requests)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := do(t, h, http.MethodPost, "/api/v1/requests", map[string]any{
		"title":              "no species",
		"criteria":           map[string]any{"strain": "C57BL/6J"},
		"quantity_requested": 1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetRequestNotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := do(t, h, http.MethodGet, "/api/v1/requests/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAllocateAndConflict(t *testing.T) {
	h, svc := newTestHandler(t)
	animal := seedMouse(t, svc, "m-001")
	first := createRequestViaAPI(t, h, 1)
	second := createRequestViaAPI(t, h, 1)

	rec := do(t, h, http.MethodPost, "/api/v1/requests/"+first+"/allocate", map[string]any{
		"animal_ids": []string{animal.ID},
		"actor":      "tech-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("allocate: status %d body %s", rec.Code, rec.Body.String())
	}
	var allocated struct {
		Request     domain.AnimalRequest `json:"request"`
		Allocations []domain.Allocation  `json:"allocations"`
	}
	decode(t, rec, &allocated)
	if allocated.Request.Status != domain.RequestFulfilled || len(allocated.Allocations) != 1 {
		t.Fatalf("unexpected allocate response: %s", rec.Body.String())
	}

	conflict := do(t, h, http.MethodPost, "/api/v1/requests/"+second+"/allocate", map[string]any{
		"animal_ids": []string{animal.ID},
		"actor":      "tech-2",
	})
	if conflict.Code != http.StatusConflict {
		t.Fatalf("conflict: status %d, want 409", conflict.Code)
	}
	var conflictBody struct {
		Error     string   `json:"error"`
		AnimalIDs []string `json:"animal_ids"`
	}
	decode(t, conflict, &conflictBody)
	if len(conflictBody.AnimalIDs) != 1 || conflictBody.AnimalIDs[0] != animal.ID {
		t.Fatalf("conflict body should name the animal: %s", conflict.Body.String())
	}
}

func TestAllocateIneligibleAnimal(t *testing.T) {
	h, svc := newTestHandler(t)
	rat, _, err := svc.CreateAnimal(context.Background(), core.Animal{
		Name: "r-001", Species: "Rattus norvegicus", Strain: "Wistar",
	})
	if err != nil {
		t.Fatalf("seed rat: %v", err)
	}
	id := createRequestViaAPI(t, h, 1)

	rec := do(t, h, http.MethodPost, "/api/v1/requests/"+id+"/allocate", map[string]any{
		"animal_ids": []string{rat.ID},
		"actor":      "tech-1",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422; body %s", rec.Code, rec.Body.String())
	}
}

func TestReleaseEndpoint(t *testing.T) {
	h, svc := newTestHandler(t)
	animal := seedMouse(t, svc, "m-010")
	id := createRequestViaAPI(t, h, 2)
	do(t, h, http.MethodPost, "/api/v1/requests/"+id+"/allocate", map[string]any{
		"animal_ids": []string{animal.ID}, "actor": "tech-1",
	})

	missing := do(t, h, http.MethodPost, "/api/v1/requests/"+id+"/release", map[string]any{
		"reason": "no id",
	})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("missing animal_id: status %d, want 400", missing.Code)
	}

	rec := do(t, h, http.MethodPost, "/api/v1/requests/"+id+"/release", map[string]any{
		"animal_id": animal.ID,
		"reason":    "protocol change",
		"actor":     "tech-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("release: status %d body %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Request domain.AnimalRequest `json:"request"`
	}
	decode(t, rec, &payload)
	if payload.Request.QuantityAllocated != 0 {
		t.Fatalf("QuantityAllocated = %d, want 0", payload.Request.QuantityAllocated)
	}
}

func TestStatusTransitionEndpoint(t *testing.T) {
	h, svc := newTestHandler(t)
	animal := seedMouse(t, svc, "m-020")
	id := createRequestViaAPI(t, h, 1)
	do(t, h, http.MethodPost, "/api/v1/requests/"+id+"/allocate", map[string]any{
		"animal_ids": []string{animal.ID}, "actor": "tech-1",
	})

	rec := do(t, h, http.MethodPut, "/api/v1/requests/"+id+"/status", map[string]any{
		"status": "reviewing",
		"actor":  "admin",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("terminal transition: status %d, want 409", rec.Code)
	}
	var body struct {
		From domain.RequestStatus `json:"from"`
		To   domain.RequestStatus `json:"to"`
	}
	decode(t, rec, &body)
	if body.From != domain.RequestFulfilled || body.To != domain.RequestReviewing {
		t.Fatalf("unexpected transition body: %s", rec.Body.String())
	}

	unknown := do(t, h, http.MethodPut, "/api/v1/requests/"+id+"/status", map[string]any{
		"status": "archived",
	})
	if unknown.Code != http.StatusBadRequest {
		t.Fatalf("unknown status: %d, want 400", unknown.Code)
	}
}

func TestAvailabilityEndpoints(t *testing.T) {
	h, svc := newTestHandler(t)
	seedMouse(t, svc, "m-030")
	seedMouse(t, svc, "m-031")

	rec := do(t, h, http.MethodGet, "/api/v1/animals/available?species=Mus+musculus&strain=C57BL%2F6J", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("available: status %d body %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Animals []domain.Animal `json:"animals"`
	}
	decode(t, rec, &payload)
	if len(payload.Animals) != 2 {
		t.Fatalf("expected 2 animals, got %d", len(payload.Animals))
	}

	bad := do(t, h, http.MethodGet, "/api/v1/animals/available?species=Mus+musculus&strain=C57BL%2F6J&min_age_days=abc", nil)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad age: status %d, want 400", bad.Code)
	}

	stats := do(t, h, http.MethodGet, "/api/v1/animals/stats", nil)
	if stats.Code != http.StatusOK {
		t.Fatalf("stats: status %d", stats.Code)
	}
	var statsBody struct {
		Stats core.AvailabilityStats `json:"stats"`
	}
	decode(t, stats, &statsBody)
	if statsBody.Stats.Total != 2 {
		t.Fatalf("Total = %d, want 2", statsBody.Stats.Total)
	}

	perRequest := createRequestViaAPI(t, h, 1)
	capped := do(t, h, http.MethodGet, "/api/v1/requests/"+perRequest+"/availability", nil)
	if capped.Code != http.StatusOK {
		t.Fatalf("request availability: status %d", capped.Code)
	}
	decode(t, capped, &payload)
	if len(payload.Animals) != 1 {
		t.Fatalf("expected headroom-capped 1 animal, got %d", len(payload.Animals))
	}
}

func TestExportEndpoints(t *testing.T) {
	h, svc := newTestHandler(t)
	seedMouse(t, svc, "m-040")

	worker := reports.NewWorker(svc, blob.NewMemory(), nil)
	worker.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = worker.Stop(ctx)
	}()
	h.Exports = worker

	rec := do(t, h, http.MethodPost, "/api/v1/reports/exports", map[string]any{
		"kind":         "availability",
		"formats":      []string{"json", "csv"},
		"requested_by": "dr-ortiz",
		"reason":       "weekly census",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue: status %d body %s", rec.Code, rec.Body.String())
	}
	var accepted struct {
		Export reports.ExportRecord `json:"export"`
	}
	decode(t, rec, &accepted)
	if accepted.Export.ID == "" || accepted.Export.Status != reports.ExportStatusQueued {
		t.Fatalf("unexpected enqueue response: %s", rec.Body.String())
	}

	var final reports.ExportRecord
	deadline := time.Now().Add(5 * time.Second)
	for {
		poll := do(t, h, http.MethodGet, "/api/v1/reports/exports/"+accepted.Export.ID, nil)
		if poll.Code != http.StatusOK {
			t.Fatalf("poll: status %d", poll.Code)
		}
		var body struct {
			Export reports.ExportRecord `json:"export"`
		}
		decode(t, poll, &body)
		final = body.Export
		if final.Status == reports.ExportStatusSucceeded || final.Status == reports.ExportStatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("export did not finish, last status %s", final.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if final.Status != reports.ExportStatusSucceeded {
		t.Fatalf("export failed: %s", final.Error)
	}
	if len(final.Artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(final.Artifacts))
	}

	bad := do(t, h, http.MethodPost, "/api/v1/reports/exports", map[string]any{
		"kind": "unknown",
	})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind: status %d, want 400", bad.Code)
	}

	list := do(t, h, http.MethodGet, "/api/v1/reports/exports", nil)
	var listed struct {
		Exports []reports.ExportRecord `json:"exports"`
	}
	decode(t, list, &listed)
	if len(listed.Exports) != 1 {
		t.Fatalf("expected 1 export, got %d", len(listed.Exports))
	}
}

func TestExportsUnconfigured(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := do(t, h, http.MethodGet, "/api/v1/reports/exports", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
