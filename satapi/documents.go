package satapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/techday/satbridge/platform"
	"github.com/techday/satbridge/sat"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

const (
	// UploadsPath is where stored machine documents are served.
	UploadsPath = "/uploads"

	documentsDir       = "electrodomesticos"
	maxUploadBytes     = 32 << 20
	pdfMediaType       = "application/pdf"
	uploadFormField    = "file"
	multipartMemory    = 8 << 20
	errNoDocumentStore = "document storage is not configured"
)

// Document is a stored machine manual.
type Document struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

func documentKey(machineID, filename string) string {
	return documentsDir + "/" + machineID + "/" + filename
}

func documentOf(machineID, filename string) Document {
	return Document{Filename: filename, URL: UploadsPath + "/" + documentKey(machineID, filename)}
}

// validName rejects names that could escape the machine's folder.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func isPDF(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".pdf")
}

// documentPath validates the {id} and {filename} path values.
func (h *Handler) documentPath(w http.ResponseWriter, r *http.Request) (machineID, filename string, ok bool) {
	if h.docs == nil {
		writeDetail(w, http.StatusServiceUnavailable, errNoDocumentStore)
		return "", "", false
	}
	machineID, filename = r.PathValue("id"), r.PathValue("filename")
	if !validName(machineID) || !validName(filename) {
		writeDetail(w, http.StatusBadRequest, "Invalid document name")
		return "", "", false
	}
	return machineID, filename, true
}

// documentExists writes 404 or 500 and reports false when the document is
// not there.
func (h *Handler) documentExists(w http.ResponseWriter, r *http.Request, key string) bool {
	ok, err := h.docs.Exists(r.Context(), key)
	switch {
	case err != nil:
		h.internalError(w, r, "api.documents.stat.fail", err)
		return false
	case !ok:
		writeDetail(w, http.StatusNotFound, "Document not found")
		return false
	}
	return true
}

func (h *Handler) uploadDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.docs == nil {
		writeDetail(w, http.StatusServiceUnavailable, errNoDocumentStore)
		return
	}
	machineID := r.PathValue("id")
	if !validName(machineID) {
		writeDetail(w, http.StatusBadRequest, "Invalid machine id")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeDetail(w, http.StatusUnprocessableEntity, "multipart form with a file field is required")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, fh, err := r.FormFile(uploadFormField)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "multipart form with a file field is required")
		return
	}
	defer file.Close()

	filename := path.Base(strings.ReplaceAll(fh.Filename, `\`, "/"))
	if !isPDF(filename) {
		writeDetail(w, http.StatusBadRequest, "Only PDF files are allowed")
		return
	}
	if !validName(filename) {
		writeDetail(w, http.StatusBadRequest, "Invalid document name")
		return
	}

	if err := h.writeDocument(ctx, documentKey(machineID, filename), file); err != nil {
		h.internalError(w, r, "api.documents.upload.fail", err)
		return
	}
	h.log.InfoContext(ctx, "api.documents.upload.ok", slog.String("machine_id", machineID), slog.String("filename", filename))
	writeJSON(w, http.StatusOK, documentOf(machineID, filename))
}

func (h *Handler) writeDocument(ctx context.Context, key string, src io.Reader) error {
	bw, err := h.docs.NewWriter(ctx, key, &blob.WriterOptions{ContentType: pdfMediaType})
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	if _, err := io.Copy(bw, src); err != nil {
		_ = bw.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	return nil
}

func (h *Handler) listDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.docs == nil {
		writeDetail(w, http.StatusServiceUnavailable, errNoDocumentStore)
		return
	}
	machineID := r.PathValue("id")
	out := []Document{}
	if !validName(machineID) {
		writeJSON(w, http.StatusOK, out)
		return
	}

	prefix := documentsDir + "/" + machineID + "/"
	iter := h.docs.List(&blob.ListOptions{Prefix: prefix, Delimiter: "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.internalError(w, r, "api.documents.list.fail", err)
			return
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if obj.IsDir || !isPDF(name) {
			continue
		}
		out = append(out, documentOf(machineID, name))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) indexDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	machineID, filename, ok := h.documentPath(w, r)
	if !ok {
		return
	}
	s, ok := siloQuery(w, r, true)
	if !ok {
		return
	}
	if h.knowledge == nil {
		writeDetail(w, http.StatusServiceUnavailable, "agent platform is not configured")
		return
	}

	m, err := h.repo.GetMachine(ctx, machineID)
	switch {
	case errors.Is(err, sat.ErrMachineNotFound):
		writeDetail(w, http.StatusNotFound, "Machine not found")
		return
	case err != nil:
		h.internalError(w, r, "api.documents.index.fail", err)
		return
	}
	key := documentKey(machineID, filename)
	if !h.documentExists(w, r, key) {
		return
	}

	meta := documentMetadata(m, filename)
	// Re-indexing replaces the previous fragments of the same document.
	if err := h.knowledge.DeleteByMetadata(ctx, s, meta); err != nil {
		h.log.WarnContext(ctx, "api.documents.unindex.fail", slog.String("key", key), slog.String("err", err.Error()))
	}

	rd, err := h.docs.NewReader(ctx, key, nil)
	if err != nil {
		h.internalError(w, r, "api.documents.index.fail", err)
		return
	}
	defer rd.Close()

	if err := h.knowledge.IndexFile(ctx, s, filename, rd, meta); err != nil {
		h.log.ErrorContext(ctx, "api.documents.index.fail", slog.String("key", key), slog.String("silo", s.String()), slog.String("err", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "Error indexing document: "+err.Error())
		return
	}
	h.log.InfoContext(ctx, "api.documents.index.ok", slog.String("key", key), slog.String("silo", s.String()))
	writeJSON(w, http.StatusOK, Status{Status: "success", Message: "Document indexed"})
}

func documentMetadata(m *sat.Machine, filename string) map[string]string {
	return map[string]string{"tipo": m.Type, "modelo": m.Model, "nombre": filename}
}

func (h *Handler) deleteDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	machineID, filename, ok := h.documentPath(w, r)
	if !ok {
		return
	}
	s, ok := siloQuery(w, r, false)
	if !ok {
		return
	}
	key := documentKey(machineID, filename)
	if !h.documentExists(w, r, key) {
		return
	}

	if h.searchable(s) {
		if m, err := h.repo.GetMachine(ctx, machineID); err == nil {
			if err := h.knowledge.DeleteByMetadata(ctx, s, documentMetadata(m, filename)); err != nil {
				h.log.WarnContext(ctx, "api.documents.unindex.fail", slog.String("key", key), slog.String("err", err.Error()))
			}
		}
	}

	if err := h.docs.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		h.log.ErrorContext(ctx, "api.documents.delete.fail", slog.String("key", key), slog.String("err", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "Error deleting file: "+err.Error())
		return
	}
	h.log.InfoContext(ctx, "api.documents.delete.ok", slog.String("key", key))
	writeJSON(w, http.StatusOK, Status{Status: "success", Message: "Document deleted"})
}

// serveDocument streams a stored manual.
func (h *Handler) serveDocument(w http.ResponseWriter, r *http.Request) {
	machineID, filename, ok := h.documentPath(w, r)
	if !ok {
		return
	}
	rd, err := h.docs.NewReader(r.Context(), documentKey(machineID, filename), nil)
	if gcerrors.Code(err) == gcerrors.NotFound {
		writeDetail(w, http.StatusNotFound, "Document not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "api.documents.read.fail", err)
		return
	}
	defer rd.Close()

	ctype := rd.ContentType()
	if ctype == "" {
		ctype = pdfMediaType
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", fmt.Sprint(rd.Size()))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rd)
}

var _ Knowledge = (*platform.Client)(nil)
