package satapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/techday/satbridge/storage/memstore"
)

const pdfBytes = "%PDF-1.4 manual"

func upload(t *testing.T, srv *httptest.Server, machineID, filename, content string) (int, []byte) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+DefaultBasePath+"/machines/"+machineID+"/documents", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func TestDocuments(t *testing.T) {
	srv, _, up, bucket := newKnowledgeServer(t)
	ctx := context.Background()

	t.Run("empty list", func(t *testing.T) {
		status, b := do(t, srv, http.MethodGet, "/machines/APP001/documents", "")
		require.Equal(t, http.StatusOK, status)
		require.JSONEq(t, `[]`, string(b))
	})

	t.Run("upload", func(t *testing.T) {
		status, b := upload(t, srv, "APP001", "Manual.PDF", pdfBytes)
		require.Equal(t, http.StatusOK, status, string(b))
		require.JSONEq(t, `{"filename":"Manual.PDF","url":"/uploads/electrodomesticos/APP001/Manual.PDF"}`, string(b))

		got, err := bucket.ReadAll(ctx, "electrodomesticos/APP001/Manual.PDF")
		require.NoError(t, err)
		require.Equal(t, pdfBytes, string(got))
	})

	t.Run("upload strips client directories", func(t *testing.T) {
		status, b := upload(t, srv, "APP001", `C:\docs\guia.pdf`, pdfBytes)
		require.Equal(t, http.StatusOK, status, string(b))
		require.JSONEq(t, `{"filename":"guia.pdf","url":"/uploads/electrodomesticos/APP001/guia.pdf"}`, string(b))
	})

	t.Run("only pdf", func(t *testing.T) {
		status, b := upload(t, srv, "APP001", "notes.txt", "hello")
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "Only PDF files are allowed", detail(t, b))
	})

	t.Run("upload without a file", func(t *testing.T) {
		status, _ := do(t, srv, http.MethodPost, "/machines/APP001/documents", `{}`)
		require.Equal(t, http.StatusUnprocessableEntity, status)
	})

	t.Run("list is sorted and pdf only", func(t *testing.T) {
		require.NoError(t, bucket.WriteAll(ctx, "electrodomesticos/APP001/readme.txt", []byte("x"), nil))
		status, b := do(t, srv, http.MethodGet, "/machines/APP001/documents", "")
		require.Equal(t, http.StatusOK, status)
		require.JSONEq(t, `[
			{"filename":"Manual.PDF","url":"/uploads/electrodomesticos/APP001/Manual.PDF"},
			{"filename":"guia.pdf","url":"/uploads/electrodomesticos/APP001/guia.pdf"}
		]`, string(b))
	})

	t.Run("serve", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/uploads/electrodomesticos/APP001/guia.pdf")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, pdfBytes, string(b))

		resp, err = http.Get(srv.URL + "/uploads/electrodomesticos/APP001/missing.pdf")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("index requires a silo", func(t *testing.T) {
		status, _ := do(t, srv, http.MethodPost, "/machines/APP001/documents/guia.pdf/index", "")
		require.Equal(t, http.StatusUnprocessableEntity, status)
		status, _ = do(t, srv, http.MethodPost, "/machines/APP001/documents/guia.pdf/index?app_id=uno&silo_id=s", "")
		require.Equal(t, http.StatusUnprocessableEntity, status)
	})

	t.Run("index unknown machine or document", func(t *testing.T) {
		status, b := do(t, srv, http.MethodPost, "/machines/NOPE/documents/guia.pdf/index"+siloParams, "")
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, "Machine not found", detail(t, b))

		status, b = do(t, srv, http.MethodPost, "/machines/APP001/documents/missing.pdf/index"+siloParams, "")
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, "Document not found", detail(t, b))
	})

	t.Run("index replaces previous fragments", func(t *testing.T) {
		n := len(up.actions())
		status, b := do(t, srv, http.MethodPost, "/machines/APP001/documents/guia.pdf/index"+siloParams, "")
		require.Equal(t, http.StatusOK, status, string(b))
		require.JSONEq(t, `{"status":"success","message":"Document indexed"}`, string(b))
		require.Equal(t, []string{"DELETE delete-by-metadata", "POST index-file"}, up.actions()[n:])

		require.JSONEq(t, `{"filter_metadata":{"tipo":"Lavadora","modelo":"3KB-8800","nombre":"guia.pdf"}}`,
			string(up.call(t, "delete-by-metadata").body))

		call := up.call(t, "index-file")
		_, params, err := mime.ParseMediaType(call.ctype)
		require.NoError(t, err)
		form, err := multipart.NewReader(bytes.NewReader(call.body), params["boundary"]).ReadForm(1 << 20)
		require.NoError(t, err)
		require.Equal(t, "guia.pdf", form.File["file"][0].Filename)
		var meta map[string]string
		require.NoError(t, json.Unmarshal([]byte(form.Value["metadata"][0]), &meta))
		require.Equal(t, map[string]string{"tipo": "Lavadora", "modelo": "3KB-8800", "nombre": "guia.pdf"}, meta)
	})

	t.Run("index failure", func(t *testing.T) {
		up.fail("index-file")
		status, b := do(t, srv, http.MethodPost, "/machines/APP001/documents/guia.pdf/index"+siloParams, "")
		require.Equal(t, http.StatusInternalServerError, status)
		require.Contains(t, detail(t, b), "Error indexing document: ")
	})

	t.Run("delete unindexes and removes the file", func(t *testing.T) {
		n := len(up.actions())
		status, b := do(t, srv, http.MethodDelete, "/machines/APP001/documents/guia.pdf"+siloParams, "")
		require.Equal(t, http.StatusOK, status, string(b))
		require.JSONEq(t, `{"status":"success","message":"Document deleted"}`, string(b))
		require.Equal(t, []string{"DELETE delete-by-metadata"}, up.actions()[n:])

		ok, err := bucket.Exists(ctx, "electrodomesticos/APP001/guia.pdf")
		require.NoError(t, err)
		require.False(t, ok)

		status, _ = do(t, srv, http.MethodDelete, "/machines/APP001/documents/guia.pdf", "")
		require.Equal(t, http.StatusNotFound, status)
	})

	t.Run("delete without a silo only removes the file", func(t *testing.T) {
		n := len(up.actions())
		status, _ := do(t, srv, http.MethodDelete, "/machines/APP001/documents/Manual.PDF", "")
		require.Equal(t, http.StatusOK, status)
		require.Len(t, up.actions(), n)
	})

	t.Run("names cannot leave the machine folder", func(t *testing.T) {
		status, _ := do(t, srv, http.MethodDelete, "/machines/APP001/documents/..%2Fsecret.pdf", "")
		require.Equal(t, http.StatusBadRequest, status)
	})
}

func TestDocumentsWithoutStorage(t *testing.T) {
	srv := httptest.NewServer(New(memstore.New()))
	t.Cleanup(srv.Close)

	status, b := do(t, srv, http.MethodGet, "/machines/APP001/documents", "")
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, errNoDocumentStore, detail(t, b))

	status, b = do(t, srv, http.MethodGet, "/incidents/INC-001/similar"+siloParams, "")
	require.Equal(t, http.StatusNotFound, status, string(b))
}
