package satapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/techday/satbridge/platform"
	"github.com/techday/satbridge/sat"
	"github.com/techday/satbridge/storage/memstore"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

const siloParams = "?app_id=7&silo_id=sat-kb"

type platformCall struct {
	method string
	action string
	ctype  string
	body   []byte
}

// fakePlatform answers the silo document endpoints with canned replies per
// action and records every call.
type fakePlatform struct {
	*httptest.Server
	mu      sync.Mutex
	calls   []platformCall
	replies map[string]string
	failing map[string]bool
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	p := &fakePlatform{replies: map[string]string{}, failing: map[string]bool{}}
	const prefix = "/public/v1/app/7/silos/silos/sat-kb/docs/"
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, prefix) {
			http.NotFound(w, r)
			return
		}
		action := strings.TrimPrefix(r.URL.Path, prefix)
		b, _ := io.ReadAll(r.Body)
		p.mu.Lock()
		p.calls = append(p.calls, platformCall{method: r.Method, action: action, ctype: r.Header.Get("Content-Type"), body: b})
		reply, fail := p.replies[action], p.failing[action]
		p.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if reply == "" {
			reply = `{}`
		}
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *fakePlatform) reply(action, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[action] = body
}

func (p *fakePlatform) fail(action string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[action] = true
}

func (p *fakePlatform) actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.calls))
	for _, c := range p.calls {
		out = append(out, c.method+" "+c.action)
	}
	return out
}

func (p *fakePlatform) call(t *testing.T, action string) platformCall {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.calls) - 1; i >= 0; i-- {
		if p.calls[i].action == action {
			return p.calls[i]
		}
	}
	t.Fatalf("no %s call in %d calls", action, len(p.calls))
	return platformCall{}
}

func newKnowledgeServer(t *testing.T) (*httptest.Server, *memstore.Store, *fakePlatform, *blob.Bucket) {
	t.Helper()
	store := memstore.New()
	_, err := sat.Seed(context.Background(), store)
	require.NoError(t, err)

	up := newFakePlatform(t)
	client, err := platform.New(platform.Config{BaseURL: up.URL, APIKey: "k"})
	require.NoError(t, err)

	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })

	srv := httptest.NewServer(New(store, WithKnowledge(client), WithDocuments(bucket)))
	t.Cleanup(srv.Close)
	return srv, store, up, bucket
}

func TestResolveIndexesIncident(t *testing.T) {
	srv, store, up, _ := newKnowledgeServer(t)
	ctx := context.Background()
	up.reply("index", `{"id":"doc-9"}`)

	t.Run("without a silo nothing is indexed", func(t *testing.T) {
		status, b := do(t, srv, http.MethodPatch, "/incidents/INC-002", `{"status":"resolved"}`)
		require.Equal(t, http.StatusOK, status, string(b))
		require.Empty(t, up.actions())

		inc, err := store.GetIncident(ctx, "INC-002")
		require.NoError(t, err)
		require.Nil(t, inc.MattinID)
	})

	t.Run("resolving with a silo stores the document id", func(t *testing.T) {
		status, b := do(t, srv, http.MethodPatch, "/incidents/INC-001"+siloParams, `{"status":"resolved"}`)
		require.Equal(t, http.StatusOK, status, string(b))
		var inc sat.Incident
		require.NoError(t, json.Unmarshal(b, &inc))
		require.NotNil(t, inc.MattinID)
		require.Equal(t, "doc-9", *inc.MattinID)

		var sent struct {
			Content  string         `json:"content"`
			Metadata map[string]any `json:"metadata"`
		}
		require.NoError(t, json.Unmarshal(up.call(t, "index").body, &sent))
		require.True(t, strings.HasPrefix(sent.Content, "INCIDENCIA: Centrifugado ruidoso\nDESCRIPCIÓN: La lavadora"), sent.Content)
		require.True(t, strings.HasSuffix(sent.Content, "\n\nACTIVIDAD:\n"+
			"[2024-05-10 09:35:00] Sistema: Incidencia creada.\n"+
			"[2024-05-10 10:00:00] Téc. Maria: Solicitada visita técnica."), sent.Content)
		require.Equal(t, map[string]any{
			"title":       "Centrifugado ruidoso",
			"tipo":        "Lavadora",
			"modelo":      "3KB-8800",
			"incident_id": "INC-001",
		}, sent.Metadata)
	})

	t.Run("an already resolved incident is not indexed again", func(t *testing.T) {
		n := len(up.actions())
		status, _ := do(t, srv, http.MethodPatch, "/incidents/INC-001"+siloParams, `{"title":"Centrifugado muy ruidoso"}`)
		require.Equal(t, http.StatusOK, status)
		require.Len(t, up.actions(), n)
	})

	t.Run("platform failure leaves the incident resolved", func(t *testing.T) {
		up.fail("index")
		status, b := do(t, srv, http.MethodPatch, "/incidents/INC-002"+siloParams, `{"status":"in_progress"}`)
		require.Equal(t, http.StatusOK, status, string(b))
		status, b = do(t, srv, http.MethodPatch, "/incidents/INC-002"+siloParams, `{"status":"resolved"}`)
		require.Equal(t, http.StatusOK, status, string(b))
		var inc sat.Incident
		require.NoError(t, json.Unmarshal(b, &inc))
		require.Equal(t, sat.StatusResolved, inc.Status)
		require.Nil(t, inc.MattinID)
	})

	t.Run("non-integer app_id", func(t *testing.T) {
		status, b := do(t, srv, http.MethodPatch, "/incidents/INC-001?app_id=x&silo_id=s", `{"status":"resolved"}`)
		require.Equal(t, http.StatusUnprocessableEntity, status)
		require.Equal(t, "app_id must be an integer", detail(t, b))
	})
}

func TestDeleteUnindexesIncident(t *testing.T) {
	srv, store, up, _ := newKnowledgeServer(t)
	ctx := context.Background()
	_, err := store.UpdateIncident(ctx, "INC-003", sat.IncidentPatch{MattinID: sat.Ptr("doc-3")})
	require.NoError(t, err)

	status, b := do(t, srv, http.MethodDelete, "/incidents/INC-003"+siloParams, "")
	require.Equal(t, http.StatusOK, status, string(b))
	call := up.call(t, "delete")
	require.Equal(t, http.MethodDelete, call.method)
	require.JSONEq(t, `{"ids":["doc-3"]}`, string(call.body))

	_, err = store.GetIncident(ctx, "INC-003")
	require.ErrorIs(t, err, sat.ErrIncidentNotFound)

	// Never indexed: nothing to remove upstream.
	n := len(up.actions())
	status, _ = do(t, srv, http.MethodDelete, "/incidents/INC-001"+siloParams, "")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, up.actions(), n)
}

func TestSimilarIncidents(t *testing.T) {
	srv, _, up, _ := newKnowledgeServer(t)
	up.reply("find", `{"docs":[
		{"content":"a","metadata":{"incident_id":"INC-001","_score":0.05}},
		{"content":"b","metadata":{"incident_id":"INC-002","_score":0.6}},
		{"content":"c","metadata":{"incident_id":"INC-003","_score":0.1}},
		{"content":"d","metadata":{"incident_id":"INC-GONE","_score":0.2}}
	]}`)

	t.Run("without a silo", func(t *testing.T) {
		status, b := do(t, srv, http.MethodGet, "/incidents/INC-001/similar", "")
		require.Equal(t, http.StatusOK, status)
		require.JSONEq(t, `[]`, string(b))
	})

	t.Run("ranked and excluding itself", func(t *testing.T) {
		status, b := do(t, srv, http.MethodGet, "/incidents/INC-001/similar"+siloParams, "")
		require.Equal(t, http.StatusOK, status, string(b))
		var out []SimilarIncident
		require.NoError(t, json.Unmarshal(b, &out))
		require.Len(t, out, 2)
		require.Equal(t, "INC-003", out[0].ID)
		require.InDelta(t, 0.9, out[0].Similarity, 1e-9)
		require.Equal(t, map[string]string{"modelo": "RF260"}, out[0].Metadata)
		require.NotEmpty(t, out[0].Logs)
		require.Equal(t, "INC-002", out[1].ID)
		require.InDelta(t, 0.4, out[1].Similarity, 1e-9)

		require.JSONEq(t, `{"query":"Centrifugado ruidoso\nLa lavadora hace un ruido muy fuerte al centrifugar a altas revoluciones.","k":4,"filter_metadata":{"tipo":"Lavadora"}}`,
			string(up.call(t, "find").body))
	})

	t.Run("unknown incident", func(t *testing.T) {
		status, b := do(t, srv, http.MethodGet, "/incidents/NOPE/similar"+siloParams, "")
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, "Incident not found", detail(t, b))
	})

	t.Run("search failure is an empty list", func(t *testing.T) {
		up.fail("find")
		status, b := do(t, srv, http.MethodGet, "/incidents/INC-001/similar"+siloParams, "")
		require.Equal(t, http.StatusOK, status)
		require.JSONEq(t, `[]`, string(b))
	})
}

func TestIncidentKnowledge(t *testing.T) {
	srv, _, up, _ := newKnowledgeServer(t)
	up.reply("find", `{"docs":[
		{"content":"Revise el filtro.","score":0.8,"metadata":{"nombre":"manual.pdf","page":12,"total_pages":40,"modelo":"3KB-8800"}},
		{"content":"Sin nombre.","score":0.5,"metadata":{}}
	]}`)

	status, b := do(t, srv, http.MethodGet, "/incidents/INC-001/knowledge"+siloParams, "")
	require.Equal(t, http.StatusOK, status, string(b))
	require.JSONEq(t, `[
		{"content":"Revise el filtro.","score":0.8,"filename":"manual.pdf","page":12,"total_pages":40,"machine_model":"3KB-8800","machine_id":"APP001"},
		{"content":"Sin nombre.","score":0.5,"filename":"Documento","page":null,"total_pages":null,"machine_model":null,"machine_id":"APP001"}
	]`, string(b))

	var q struct {
		K      int               `json:"k"`
		Filter map[string]string `json:"filter_metadata"`
	}
	require.NoError(t, json.Unmarshal(up.call(t, "find").body, &q))
	require.Equal(t, 5, q.K)
	require.Equal(t, map[string]string{"tipo": "Lavadora", "modelo": "3KB-8800"}, q.Filter)
}
