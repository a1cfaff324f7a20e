// Package satapi serves the REST API the SAT back office uses to manage
// machines, incidents and incident logs. Errors are JSON objects of the form
// {"detail":"..."}.
//
// With a Knowledge index configured, resolved incidents are indexed in the
// agent platform silo named by the app_id and silo_id query parameters and
// can be searched for similar cases and relevant manual pages. With a
// document bucket configured, machine manuals (PDF) can be uploaded, listed,
// indexed and deleted, and are served under UploadsPath.
package satapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/techday/satbridge/internal/logctx"
	"github.com/techday/satbridge/sat"
	"gocloud.dev/blob"
)

// DefaultBasePath is where the API is mounted.
const DefaultBasePath = "/api/sat"

const maxBodyBytes = 1 << 20

var jsonMediaType = contenttype.NewMediaType("application/json")

var (
	errUnsupportedMediaType = errors.New("Content-Type must be application/json")
	errBodyTooLarge         = errors.New("request body too large")
)

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithKnowledge enables incident indexing and the similar and knowledge
// searches. *platform.Client implements Knowledge.
func WithKnowledge(k Knowledge) Option {
	return func(h *Handler) { h.knowledge = k }
}

// WithDocuments stores machine manuals in bucket.
func WithDocuments(bucket *blob.Bucket) Option {
	return func(h *Handler) { h.docs = bucket }
}

// WithBasePath mounts the API under p instead of DefaultBasePath.
func WithBasePath(p string) Option {
	return func(h *Handler) { h.basePath = "/" + strings.Trim(p, "/") }
}

// Handler is the REST API over a sat.Repository.
type Handler struct {
	repo      sat.Repository
	knowledge Knowledge
	docs      *blob.Bucket
	log       *slog.Logger
	basePath  string
	mux       *http.ServeMux
}

// New builds the API handler for repo.
func New(repo sat.Repository, opts ...Option) *Handler {
	h := &Handler{
		repo:     repo,
		log:      slog.New(slog.DiscardHandler),
		basePath: DefaultBasePath,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = slog.New(slog.DiscardHandler)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	mux := http.NewServeMux()
	b := h.basePath
	mux.HandleFunc("GET "+b+"/machines", h.listMachines)
	mux.HandleFunc("POST "+b+"/machines", h.createMachine)
	mux.HandleFunc("PUT "+b+"/machines/{id}", h.updateMachine)
	mux.HandleFunc("DELETE "+b+"/machines/{id}", h.deleteMachine)
	mux.HandleFunc("GET "+b+"/incidents", h.listIncidents)
	mux.HandleFunc("POST "+b+"/incidents", h.createIncident)
	mux.HandleFunc("GET "+b+"/incidents/{id}", h.getIncident)
	mux.HandleFunc("PATCH "+b+"/incidents/{id}", h.updateIncident)
	mux.HandleFunc("DELETE "+b+"/incidents/{id}", h.deleteIncident)
	mux.HandleFunc("POST "+b+"/incidents/{id}/logs", h.addIncidentLog)
	mux.HandleFunc("GET "+b+"/incidents/{id}/similar", h.similarIncidents)
	mux.HandleFunc("GET "+b+"/incidents/{id}/knowledge", h.incidentKnowledge)
	mux.HandleFunc("POST "+b+"/machines/{id}/documents", h.uploadDocument)
	mux.HandleFunc("GET "+b+"/machines/{id}/documents", h.listDocuments)
	mux.HandleFunc("POST "+b+"/machines/{id}/documents/{filename}/index", h.indexDocument)
	mux.HandleFunc("DELETE "+b+"/machines/{id}/documents/{filename}", h.deleteDocument)
	mux.HandleFunc("GET "+UploadsPath+"/"+documentsDir+"/{id}/{filename}", h.serveDocument)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Status is the body of successful deletes.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type createMachineRequest struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Brand     string  `json:"brand"`
	Model     string  `json:"model"`
	Serial    string  `json:"serial"`
	Location  *string `json:"location"`
	Available *bool   `json:"available"`
}

func (h *Handler) listMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := h.repo.ListMachines(r.Context(), true)
	if err != nil {
		h.internalError(w, r, "api.machines.list.fail", err)
		return
	}
	if machines == nil {
		machines = []sat.Machine{}
	}
	writeJSON(w, http.StatusOK, machines)
}

func (h *Handler) createMachine(w http.ResponseWriter, r *http.Request) {
	var req createMachineRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeDetail(w, http.StatusBadRequest, "El ID del modelo no puede estar vacío.")
		return
	}
	m := sat.Machine{
		ID:        req.ID,
		Type:      req.Type,
		Brand:     req.Brand,
		Model:     req.Model,
		Serial:    req.Serial,
		Location:  req.Location,
		Available: req.Available == nil || *req.Available,
	}

	out, err := h.repo.CreateMachine(r.Context(), m)
	switch {
	case errors.Is(err, sat.ErrInvalidMachine):
		writeDetail(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.internalError(w, r, "api.machines.create.fail", err)
	default:
		h.log.InfoContext(r.Context(), "api.machines.create.ok", slog.String("machine_id", out.ID))
		writeJSON(w, http.StatusOK, out)
	}
}

func (h *Handler) updateMachine(w http.ResponseWriter, r *http.Request) {
	var patch sat.MachinePatch
	if !h.decode(w, r, &patch) {
		return
	}

	out, err := h.repo.UpdateMachine(r.Context(), r.PathValue("id"), patch)
	switch {
	case errors.Is(err, sat.ErrMachineNotFound):
		writeDetail(w, http.StatusNotFound, "Machine not found")
	case errors.Is(err, sat.ErrInvalidMachine):
		writeDetail(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.internalError(w, r, "api.machines.update.fail", err)
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

func (h *Handler) deleteMachine(w http.ResponseWriter, r *http.Request) {
	err := h.repo.DeleteMachine(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, sat.ErrMachineNotFound):
		writeDetail(w, http.StatusNotFound, "Machine not found")
	case err != nil:
		h.internalError(w, r, "api.machines.delete.fail", err)
	default:
		writeJSON(w, http.StatusOK, Status{Status: "success", Message: "Machine marked as unavailable (deleted)"})
	}
}

func (h *Handler) listIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.repo.ListIncidents(r.Context())
	if err != nil {
		h.internalError(w, r, "api.incidents.list.fail", err)
		return
	}
	if incidents == nil {
		incidents = []sat.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (h *Handler) getIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.repo.GetIncident(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, sat.ErrIncidentNotFound):
		writeDetail(w, http.StatusNotFound, "Incident not found")
	case err != nil:
		h.internalError(w, r, "api.incidents.get.fail", err)
	default:
		writeJSON(w, http.StatusOK, inc)
	}
}

func (h *Handler) createIncident(w http.ResponseWriter, r *http.Request) {
	var in sat.NewIncident
	if !h.decode(w, r, &in) {
		return
	}
	if in.MachineID == "" || in.Title == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "machine_id and title are required")
		return
	}

	out, err := h.repo.CreateIncident(r.Context(), in, sat.SystemLog)
	switch {
	case errors.Is(err, sat.ErrMachineNotFound):
		writeDetail(w, http.StatusNotFound, "Machine not found")
	case errors.Is(err, sat.ErrInvalidIncident):
		writeDetail(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.internalError(w, r, "api.incidents.create.fail", err)
	default:
		h.log.InfoContext(r.Context(), "api.incidents.create.ok", slog.String("incident_id", out.ID))
		writeJSON(w, http.StatusOK, out)
	}
}

func (h *Handler) updateIncident(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	silo, ok := siloQuery(w, r, false)
	if !ok {
		return
	}
	var patch sat.IncidentPatch
	if !h.decode(w, r, &patch) {
		return
	}
	if err := patch.Validate(); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.PathValue("id")
	before, err := h.repo.GetIncident(ctx, id)
	switch {
	case errors.Is(err, sat.ErrIncidentNotFound):
		writeDetail(w, http.StatusNotFound, "Incident not found")
		return
	case err != nil:
		h.internalError(w, r, "api.incidents.update.fail", err)
		return
	}

	out, err := h.repo.UpdateIncident(ctx, id, patch)
	switch {
	case errors.Is(err, sat.ErrIncidentNotFound):
		writeDetail(w, http.StatusNotFound, "Incident not found")
		return
	case errors.Is(err, sat.ErrInvalidIncident):
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.internalError(w, r, "api.incidents.update.fail", err)
		return
	}

	if before.Status != sat.StatusResolved && out.Status == sat.StatusResolved {
		if indexed := h.indexIncident(ctx, silo, out); indexed != nil {
			out = indexed
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) deleteIncident(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	silo, ok := siloQuery(w, r, false)
	if !ok {
		return
	}

	id := r.PathValue("id")
	inc, err := h.repo.GetIncident(ctx, id)
	switch {
	case errors.Is(err, sat.ErrIncidentNotFound):
		writeDetail(w, http.StatusNotFound, "Incident not found")
		return
	case err != nil:
		h.internalError(w, r, "api.incidents.delete.fail", err)
		return
	}
	if inc.MattinID != nil && *inc.MattinID != "" {
		h.unindexIncident(ctx, silo, inc)
	}

	err = h.repo.DeleteIncident(ctx, id)
	switch {
	case errors.Is(err, sat.ErrIncidentNotFound):
		writeDetail(w, http.StatusNotFound, "Incident not found")
	case err != nil:
		h.internalError(w, r, "api.incidents.delete.fail", err)
	default:
		writeJSON(w, http.StatusOK, Status{Status: "success", Message: "Incident deleted"})
	}
}

func (h *Handler) addIncidentLog(w http.ResponseWriter, r *http.Request) {
	var entry sat.LogEntry
	if !h.decode(w, r, &entry) {
		return
	}
	if entry.Author == "" || entry.Text == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "author and text are required")
		return
	}

	out, err := h.repo.AddIncidentLog(r.Context(), r.PathValue("id"), entry)
	switch {
	case errors.Is(err, sat.ErrIncidentNotFound):
		writeDetail(w, http.StatusNotFound, "Incident not found")
	case err != nil:
		h.internalError(w, r, "api.incidents.log.fail", err)
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

// decode reads a JSON request body into dst. On failure it has already
// written the error response.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := readJSON(w, r, dst)
	if err == nil {
		return true
	}
	h.log.InfoContext(r.Context(), "api.body.invalid", slog.String("err", err.Error()))
	switch {
	case errors.Is(err, errUnsupportedMediaType):
		writeDetail(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, errBodyTooLarge):
		writeDetail(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
	}
	return false
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	mt, err := contenttype.GetMediaType(r)
	if err != nil || !mt.Matches(jsonMediaType) {
		return errUnsupportedMediaType
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return errBodyTooLarge
		}
		return fmt.Errorf("failed to read body: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, event string, err error) {
	h.log.ErrorContext(r.Context(), event, slog.String("err", err.Error()))
	writeDetail(w, http.StatusInternalServerError, "Internal server error")
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
