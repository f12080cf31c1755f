package subscription

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/NissesSenap/teams-changefeed/internal/graph"
	"github.com/NissesSenap/teams-changefeed/internal/retry"
)

// fakeGraph serves the subscriptions collection from memory.
type fakeGraph struct {
	mu      sync.Mutex
	subs    map[string]createRequest
	nextID  int
	creates []createRequest
	patches []string
	deletes []string

	createStatus int
	patchStatus  int
	deleteStatus int
}

func newFakeGraph(t *testing.T) (*fakeGraph, *graph.Client) {
	t.Helper()
	f := &fakeGraph{subs: map[string]createRequest{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)

	client, err := graph.NewClient(graph.Options{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Retry:      retry.Policy{MaxAttempts: 1},
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return f, client
}

func writeGraphError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":"Fake%d","message":"injected"}}`, status)
}

func (f *fakeGraph) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rest, ok := strings.CutPrefix(r.URL.Path, "/v1.0/subscriptions")
	if !ok {
		writeGraphError(w, http.StatusNotFound)
		return
	}
	id := strings.TrimPrefix(rest, "/")

	switch {
	case r.Method == http.MethodPost && id == "":
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeGraphError(w, http.StatusBadRequest)
			return
		}
		f.creates = append(f.creates, req)
		if f.createStatus != 0 {
			writeGraphError(w, f.createStatus)
			return
		}
		f.nextID++
		newID := fmt.Sprintf("sub-%d", f.nextID)
		f.subs[newID] = req
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":                 newID,
			"resource":           req.Resource,
			"expirationDateTime": req.ExpirationDateTime,
		})

	case r.Method == http.MethodGet && id != "":
		if _, ok := f.subs[id]; !ok {
			writeGraphError(w, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id})

	case r.Method == http.MethodPatch && id != "":
		f.patches = append(f.patches, id)
		if f.patchStatus != 0 {
			writeGraphError(w, f.patchStatus)
			return
		}
		sub, ok := f.subs[id]
		if !ok {
			writeGraphError(w, http.StatusNotFound)
			return
		}
		var body struct {
			ExpirationDateTime time.Time `json:"expirationDateTime"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		sub.ExpirationDateTime = body.ExpirationDateTime
		f.subs[id] = sub
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":                 id,
			"resource":           sub.Resource,
			"expirationDateTime": sub.ExpirationDateTime,
		})

	case r.Method == http.MethodDelete && id != "":
		f.deletes = append(f.deletes, id)
		if f.deleteStatus != 0 {
			writeGraphError(w, f.deleteStatus)
			return
		}
		if _, ok := f.subs[id]; !ok {
			writeGraphError(w, http.StatusNotFound)
			return
		}
		delete(f.subs, id)
		w.WriteHeader(http.StatusNoContent)

	default:
		writeGraphError(w, http.StatusMethodNotAllowed)
	}
}

func (f *fakeGraph) set(fn func(f *fakeGraph)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeGraph) snapshot() (creates []createRequest, patches, deletes []string, live int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]createRequest(nil), f.creates...),
		append([]string(nil), f.patches...),
		append([]string(nil), f.deletes...),
		len(f.subs)
}
