// Package reports renders availability and allocation reports asynchronously
// and stores the artifacts in a blob store.
package reports

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"vivarium/internal/blob"
	"vivarium/internal/core"
)

// Kind selects the data set a report is rendered from.
type Kind string

const (
	// KindAvailability reports the unallocated active animal pool.
	KindAvailability Kind = "availability"
	// KindAllocations reports the full allocation ledger, released rows
	// included.
	KindAllocations Kind = "allocations"
)

// Format selects a report serialization.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ExportStatus describes the lifecycle stage of an export request.
type ExportStatus string

const (
	ExportStatusQueued    ExportStatus = "queued"
	ExportStatusRunning   ExportStatus = "running"
	ExportStatusSucceeded ExportStatus = "succeeded"
	ExportStatusFailed    ExportStatus = "failed"
)

// Artifact captures one stored report rendering.
type Artifact struct {
	Key         string    `json:"key"`
	Format      Format    `json:"format"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	URL         string    `json:"url,omitempty"`
	Rows        int       `json:"rows"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExportRecord tracks an export request and its resulting artifacts.
type ExportRecord struct {
	ID          string       `json:"id"`
	Kind        Kind         `json:"kind"`
	Formats     []Format     `json:"formats"`
	Status      ExportStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	Artifacts   []Artifact   `json:"artifacts,omitempty"`
	RequestedBy string       `json:"requested_by"`
	Reason      string       `json:"reason,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// ExportInput represents an enqueue request for the worker.
type ExportInput struct {
	Kind        Kind
	Formats     []Format
	RequestedBy string
	Reason      string
}

// AuditLogger records export audit entries.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditEntry captures audit trail metadata for report exports.
type AuditEntry struct {
	ID         string       `json:"id"`
	Action     string       `json:"action"`
	Actor      string       `json:"actor"`
	Kind       Kind         `json:"kind"`
	Status     ExportStatus `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	Note       string       `json:"note,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Worker renders report exports asynchronously off a queue.
type Worker struct {
	service *core.Service
	store   blob.Store
	audit   AuditLogger

	queue chan exportTask
	mu    sync.RWMutex
	jobs  map[string]*ExportRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type exportTask struct {
	id   string
	kind Kind
}

// NewWorker constructs a report export worker. The audit logger may be nil.
func NewWorker(service *core.Service, store blob.Store, audit AuditLogger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		service: service,
		store:   store,
		audit:   audit,
		queue:   make(chan exportTask, 32),
		jobs:    make(map[string]*ExportRecord),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing export requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for completion.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.queue:
			w.process(task)
		}
	}
}

// Enqueue schedules a report export and returns the queued record.
func (w *Worker) Enqueue(ctx context.Context, input ExportInput) (ExportRecord, error) {
	switch input.Kind {
	case KindAvailability, KindAllocations:
	default:
		return ExportRecord{}, fmt.Errorf("unknown report kind %q", input.Kind)
	}

	formats := input.Formats
	if len(formats) == 0 {
		formats = []Format{FormatJSON, FormatCSV}
	}
	uniq := make([]Format, 0, len(formats))
	seen := make(map[Format]struct{})
	for _, format := range formats {
		if _, duplicate := seen[format]; duplicate {
			continue
		}
		if format != FormatJSON && format != FormatCSV {
			return ExportRecord{}, fmt.Errorf("unsupported report format %q", format)
		}
		uniq = append(uniq, format)
		seen[format] = struct{}{}
	}

	id := newID()
	now := time.Now().UTC()
	record := ExportRecord{
		ID:          id,
		Kind:        input.Kind,
		Formats:     uniq,
		Status:      ExportStatusQueued,
		RequestedBy: input.RequestedBy,
		Reason:      input.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	w.mu.Lock()
	w.jobs[id] = &record
	queued := record.copy()
	w.mu.Unlock()

	w.recordAudit(ctx, input.RequestedBy, input.Kind, ExportStatusQueued, input.Reason, "")

	select {
	case w.queue <- exportTask{id: id, kind: input.Kind}:
	default:
		return ExportRecord{}, fmt.Errorf("export queue full")
	}
	return queued, nil
}

// GetExport returns a snapshot of the export record.
func (w *Worker) GetExport(id string) (ExportRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return ExportRecord{}, false
	}
	return record.copy(), true
}

// ListExports returns snapshots of every tracked export, newest first.
func (w *Worker) ListExports() []ExportRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]ExportRecord, 0, len(w.jobs))
	for _, record := range w.jobs {
		out = append(out, record.copy())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (w *Worker) process(task exportTask) {
	w.updateStatus(task.id, ExportStatusRunning, "")

	table, err := w.buildTable(task.kind)
	if err != nil {
		w.fail(task.id, err.Error())
		return
	}

	formats := w.formatsFor(task.id)
	artifacts := make([]Artifact, 0, len(formats))
	for _, format := range formats {
		payload, contentType, err := render(format, table)
		if err != nil {
			w.fail(task.id, err.Error())
			return
		}
		key := fmt.Sprintf("reports/%s/%s.%s", task.kind, task.id, format)
		info, err := w.store.Put(w.ctx, key, bytes.NewReader(payload), blob.PutOptions{
			ContentType: contentType,
			Metadata:    map[string]string{"kind": string(task.kind), "rows": fmt.Sprintf("%d", len(table.rows))},
		})
		if err != nil {
			w.fail(task.id, fmt.Sprintf("store artifact: %v", err))
			return
		}
		artifacts = append(artifacts, Artifact{
			Key:         info.Key,
			Format:      format,
			ContentType: contentType,
			SizeBytes:   info.Size,
			URL:         info.URL,
			Rows:        len(table.rows),
			CreatedAt:   info.LastModified,
		})
	}
	w.complete(task.id, artifacts)
}

// reportTable is a column-ordered row set shared by the JSON and CSV
// renderers.
type reportTable struct {
	columns []string
	rows    []map[string]string
}

func (w *Worker) buildTable(kind Kind) (reportTable, error) {
	switch kind {
	case KindAvailability:
		animals, err := w.service.ListAvailableAnimals(w.ctx)
		if err != nil {
			return reportTable{}, err
		}
		table := reportTable{columns: []string{"animal_id", "name", "species", "strain", "genotype", "sex", "birth_date", "housing_id"}}
		for _, animal := range animals {
			row := map[string]string{
				"animal_id": animal.ID,
				"name":      animal.Name,
				"species":   animal.Species,
				"strain":    animal.Strain,
				"sex":       string(animal.Sex),
			}
			if animal.Genotype != nil {
				row["genotype"] = *animal.Genotype
			}
			if animal.BirthDate != nil {
				row["birth_date"] = animal.BirthDate.UTC().Format("2006-01-02")
			}
			if animal.HousingID != nil {
				row["housing_id"] = *animal.HousingID
			}
			table.rows = append(table.rows, row)
		}
		return table, nil
	case KindAllocations:
		table := reportTable{columns: []string{"allocation_id", "request_id", "animal_id", "allocated_at", "allocated_by", "released_at", "released_reason", "active"}}
		for _, allocation := range w.service.Store().ListAllocations() {
			row := map[string]string{
				"allocation_id": allocation.ID,
				"request_id":    allocation.RequestID,
				"animal_id":     allocation.AnimalID,
				"allocated_at":  allocation.AllocatedAt.UTC().Format(time.RFC3339),
				"allocated_by":  allocation.AllocatedBy,
				"active":        fmt.Sprintf("%t", allocation.Active()),
			}
			if allocation.ReleasedAt != nil {
				row["released_at"] = allocation.ReleasedAt.UTC().Format(time.RFC3339)
			}
			if allocation.ReleasedReason != nil {
				row["released_reason"] = *allocation.ReleasedReason
			}
			table.rows = append(table.rows, row)
		}
		return table, nil
	default:
		return reportTable{}, fmt.Errorf("unknown report kind %q", kind)
	}
}

func render(format Format, table reportTable) ([]byte, string, error) {
	switch format {
	case FormatJSON:
		rows := table.rows
		if rows == nil {
			rows = []map[string]string{}
		}
		payload, err := json.Marshal(rows)
		if err != nil {
			return nil, "", fmt.Errorf("marshal json: %w", err)
		}
		return payload, "application/json", nil
	case FormatCSV:
		buf := &bytes.Buffer{}
		writer := csv.NewWriter(buf)
		if err := writer.Write(table.columns); err != nil {
			return nil, "", err
		}
		for _, row := range table.rows {
			record := make([]string, len(table.columns))
			for i, column := range table.columns {
				record[i] = row[column]
			}
			if err := writer.Write(record); err != nil {
				return nil, "", err
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "text/csv", nil
	default:
		return nil, "", fmt.Errorf("unsupported report format %q", format)
	}
}

func (w *Worker) formatsFor(id string) []Format {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if record, ok := w.jobs[id]; ok {
		return append([]Format(nil), record.Formats...)
	}
	return nil
}

func (w *Worker) updateStatus(id string, status ExportStatus, message string) {
	now := time.Now().UTC()
	w.mu.Lock()
	var actor string
	var kind Kind
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.Error = message
		record.UpdatedAt = now
		actor, kind = record.RequestedBy, record.Kind
	}
	w.mu.Unlock()
	w.recordAudit(w.ctx, actor, kind, status, "", message)
}

func (w *Worker) complete(id string, artifacts []Artifact) {
	now := time.Now().UTC()
	w.mu.Lock()
	var actor string
	var kind Kind
	if record, ok := w.jobs[id]; ok {
		record.Status = ExportStatusSucceeded
		record.Error = ""
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
		actor, kind = record.RequestedBy, record.Kind
	}
	w.mu.Unlock()
	w.recordAudit(w.ctx, actor, kind, ExportStatusSucceeded, "", "")
}

func (w *Worker) fail(id, reason string) {
	now := time.Now().UTC()
	w.mu.Lock()
	var actor string
	var kind Kind
	if record, ok := w.jobs[id]; ok {
		record.Status = ExportStatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
		actor, kind = record.RequestedBy, record.Kind
	}
	w.mu.Unlock()
	w.recordAudit(w.ctx, actor, kind, ExportStatusFailed, "", reason)
}

func (w *Worker) recordAudit(ctx context.Context, actor string, kind Kind, status ExportStatus, reason, note string) {
	if w.audit == nil {
		return
	}
	w.audit.Record(ctx, AuditEntry{
		ID:         newID(),
		Action:     "report_export",
		Actor:      actor,
		Kind:       kind,
		Status:     status,
		Reason:     reason,
		Note:       note,
		OccurredAt: time.Now().UTC(),
	})
}

func (r ExportRecord) copy() ExportRecord {
	dup := r
	dup.Formats = append([]Format(nil), r.Formats...)
	if len(r.Artifacts) > 0 {
		dup.Artifacts = append([]Artifact(nil), r.Artifacts...)
	}
	return dup
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", b[:])
}

// MemoryAuditLog captures audit entries in-memory for assertions.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record stores an audit entry.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a copy of recorded audit entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
