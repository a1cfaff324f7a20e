package satapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/techday/satbridge/platform"
	"github.com/techday/satbridge/sat"
)

const (
	similarLimit   = 4
	knowledgeLimit = 5
	unknownMachine = "Desconocido"
	logDateLayout  = "2006-01-02 15:04:05"
)

// Knowledge is the document index of the agent platform.
type Knowledge interface {
	IndexDocument(ctx context.Context, s platform.Silo, content string, metadata map[string]any) (string, error)
	DeleteDocuments(ctx context.Context, s platform.Silo, ids ...string) error
	DeleteByMetadata(ctx context.Context, s platform.Silo, filter map[string]string) error
	FindDocuments(ctx context.Context, s platform.Silo, q platform.Query) ([]platform.Document, error)
	IndexFile(ctx context.Context, s platform.Silo, filename string, content io.Reader, metadata map[string]string) error
}

// SimilarIncident is one entry of GET /incidents/{id}/similar.
type SimilarIncident struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description *string           `json:"description"`
	Logs        []SimilarLog      `json:"logs"`
	Similarity  float64           `json:"similarity"`
	Metadata    map[string]string `json:"metadata"`
}

type SimilarLog struct {
	Author string    `json:"author"`
	Date   time.Time `json:"date"`
	Text   string    `json:"text"`
}

// KnowledgeHit is one entry of GET /incidents/{id}/knowledge: a manual
// fragment relevant to the incident.
type KnowledgeHit struct {
	Content      string  `json:"content"`
	Score        float64 `json:"score"`
	Filename     string  `json:"filename"`
	Page         any     `json:"page"`
	TotalPages   any     `json:"total_pages"`
	MachineModel any     `json:"machine_model"`
	MachineID    string  `json:"machine_id"`
}

// siloQuery reads app_id and silo_id. A non-integer app_id is a 422; so are
// missing values when required is set.
func siloQuery(w http.ResponseWriter, r *http.Request, required bool) (platform.Silo, bool) {
	q := r.URL.Query()
	var s platform.Silo
	if v := q.Get("app_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, "app_id must be an integer")
			return s, false
		}
		s.AppID = id
	}
	s.SiloID = q.Get("silo_id")
	if required && !s.Valid() {
		writeDetail(w, http.StatusUnprocessableEntity, "app_id and silo_id are required")
		return s, false
	}
	return s, true
}

func (h *Handler) searchable(s platform.Silo) bool {
	return h.knowledge != nil && s.Valid()
}

// machineOf returns the machine of inc, or nil when it cannot be loaded.
func (h *Handler) machineOf(ctx context.Context, inc *sat.Incident) *sat.Machine {
	m, err := h.repo.GetMachine(ctx, inc.MachineID)
	if err != nil {
		h.log.InfoContext(ctx, "api.machines.lookup.miss", slog.String("machine_id", inc.MachineID), slog.String("err", err.Error()))
		return nil
	}
	return m
}

// incidentDocument renders inc as the text indexed for similarity search.
func incidentDocument(inc *sat.Incident) string {
	var b strings.Builder
	desc := ""
	if inc.Description != nil {
		desc = *inc.Description
	}
	fmt.Fprintf(&b, "INCIDENCIA: %s\nDESCRIPCIÓN: %s\n\nACTIVIDAD:\n", inc.Title, desc)
	for i, l := range inc.Logs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s: %s", l.Date.Format(logDateLayout), l.Author, l.Text)
	}
	return b.String()
}

// indexIncident stores a resolved incident in the silo and records the
// platform document id on it. Platform failures are logged and leave the
// incident unindexed. It returns the updated incident, or nil when nothing
// changed.
func (h *Handler) indexIncident(ctx context.Context, s platform.Silo, inc *sat.Incident) *sat.Incident {
	if !h.searchable(s) {
		h.log.DebugContext(ctx, "api.incidents.index.skip", slog.String("incident_id", inc.ID))
		return nil
	}

	tipo, modelo := unknownMachine, unknownMachine
	if m := h.machineOf(ctx, inc); m != nil {
		tipo, modelo = m.Type, m.Model
	}
	docID, err := h.knowledge.IndexDocument(ctx, s, incidentDocument(inc), map[string]any{
		"title":       inc.Title,
		"tipo":        tipo,
		"modelo":      modelo,
		"incident_id": inc.ID,
	})
	if err != nil {
		h.log.WarnContext(ctx, "api.incidents.index.fail", slog.String("incident_id", inc.ID), slog.String("silo", s.String()), slog.String("err", err.Error()))
		return nil
	}

	out, err := h.repo.UpdateIncident(ctx, inc.ID, sat.IncidentPatch{MattinID: &docID})
	if err != nil {
		h.log.ErrorContext(ctx, "api.incidents.index.store.fail", slog.String("incident_id", inc.ID), slog.String("err", err.Error()))
		return nil
	}
	h.log.InfoContext(ctx, "api.incidents.index.ok", slog.String("incident_id", inc.ID), slog.String("mattin_id", docID))
	return out
}

func (h *Handler) unindexIncident(ctx context.Context, s platform.Silo, inc *sat.Incident) {
	if !h.searchable(s) {
		h.log.DebugContext(ctx, "api.incidents.unindex.skip", slog.String("incident_id", inc.ID))
		return
	}
	if err := h.knowledge.DeleteDocuments(ctx, s, *inc.MattinID); err != nil {
		h.log.WarnContext(ctx, "api.incidents.unindex.fail", slog.String("incident_id", inc.ID), slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "api.incidents.unindex.ok", slog.String("incident_id", inc.ID), slog.String("mattin_id", *inc.MattinID))
}

// loadIncident writes 404 or 500 and returns nil when id does not load.
func (h *Handler) loadIncident(w http.ResponseWriter, r *http.Request, event string) *sat.Incident {
	inc, err := h.repo.GetIncident(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		return inc
	case errors.Is(err, sat.ErrIncidentNotFound):
		writeDetail(w, http.StatusNotFound, "Incident not found")
	default:
		h.internalError(w, r, event, err)
	}
	return nil
}

func searchText(inc *sat.Incident) string {
	if inc.Description == nil {
		return inc.Title + "\n"
	}
	return inc.Title + "\n" + *inc.Description
}

func (h *Handler) similarIncidents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, ok := siloQuery(w, r, false)
	if !ok {
		return
	}
	inc := h.loadIncident(w, r, "api.incidents.similar.fail")
	if inc == nil {
		return
	}
	out := []SimilarIncident{}
	if !h.searchable(s) {
		writeJSON(w, http.StatusOK, out)
		return
	}

	q := platform.Query{Text: searchText(inc), K: similarLimit}
	if m := h.machineOf(ctx, inc); m != nil && m.Type != "" {
		q.Filter = map[string]string{"tipo": m.Type}
	}
	docs, err := h.knowledge.FindDocuments(ctx, s, q)
	if err != nil {
		h.log.WarnContext(ctx, "api.incidents.similar.search.fail", slog.String("err", err.Error()))
		writeJSON(w, http.StatusOK, out)
		return
	}

	// The platform reports a distance in _score; closer is more similar.
	var order []string
	similarity := map[string]float64{}
	for _, d := range docs {
		id, _ := d.Metadata["incident_id"].(string)
		if id == "" || id == inc.ID {
			continue
		}
		if _, seen := similarity[id]; !seen {
			order = append(order, id)
		}
		var sim float64
		if dist, _ := d.Metadata["_score"].(float64); dist != 0 {
			sim = min(1, max(0, 1-dist))
		}
		similarity[id] = sim
	}

	for _, id := range order {
		other, err := h.repo.GetIncident(ctx, id)
		if err != nil {
			h.log.InfoContext(ctx, "api.incidents.similar.stale", slog.String("incident_id", id), slog.String("err", err.Error()))
			continue
		}
		modelo := unknownMachine
		if m := h.machineOf(ctx, other); m != nil {
			modelo = m.Model
		}
		logs := make([]SimilarLog, 0, len(other.Logs))
		for _, l := range other.Logs {
			logs = append(logs, SimilarLog{Author: l.Author, Date: l.Date, Text: l.Text})
		}
		out = append(out, SimilarIncident{
			ID:          other.ID,
			Title:       other.Title,
			Description: other.Description,
			Logs:        logs,
			Similarity:  similarity[id],
			Metadata:    map[string]string{"modelo": modelo},
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) incidentKnowledge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, ok := siloQuery(w, r, false)
	if !ok {
		return
	}
	inc := h.loadIncident(w, r, "api.incidents.knowledge.fail")
	if inc == nil {
		return
	}
	out := []KnowledgeHit{}
	if !h.searchable(s) {
		writeJSON(w, http.StatusOK, out)
		return
	}

	q := platform.Query{Text: searchText(inc), K: knowledgeLimit}
	if m := h.machineOf(ctx, inc); m != nil {
		q.Filter = map[string]string{}
		if m.Type != "" {
			q.Filter["tipo"] = m.Type
		}
		if m.Model != "" {
			q.Filter["modelo"] = m.Model
		}
	}
	docs, err := h.knowledge.FindDocuments(ctx, s, q)
	if err != nil {
		h.log.WarnContext(ctx, "api.incidents.knowledge.search.fail", slog.String("err", err.Error()))
		writeJSON(w, http.StatusOK, out)
		return
	}
	if len(docs) > knowledgeLimit {
		docs = docs[:knowledgeLimit]
	}

	for _, d := range docs {
		name, _ := d.Metadata["nombre"].(string)
		if name == "" {
			name = "Documento"
		}
		out = append(out, KnowledgeHit{
			Content:      d.Content,
			Score:        d.Score,
			Filename:     name,
			Page:         d.Metadata["page"],
			TotalPages:   d.Metadata["total_pages"],
			MachineModel: d.Metadata["modelo"],
			MachineID:    inc.MachineID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
