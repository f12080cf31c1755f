package watch

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

type createdSub struct {
	ChangeType               string    `json:"changeType"`
	NotificationURL          string    `json:"notificationUrl"`
	LifecycleNotificationURL string    `json:"lifecycleNotificationUrl"`
	Resource                 string    `json:"resource"`
	EncryptionCertificate    string    `json:"encryptionCertificate"`
	EncryptionCertificateID  string    `json:"encryptionCertificateId"`
	ExpirationDateTime       time.Time `json:"expirationDateTime"`
	ClientState              string    `json:"clientState"`
}

// fakeGraph serves subscriptions and message listings from memory.
type fakeGraph struct {
	mu       sync.Mutex
	subs     map[string]createdSub
	nextID   int
	creates  []createdSub
	patches  []string
	deletes  []string
	listings map[string][]json.RawMessage
	lists    int

	createStatus int
}

func newFakeGraph(t *testing.T) (*fakeGraph, *graph.Client) {
	t.Helper()
	f := &fakeGraph{subs: map[string]createdSub{}, listings: map[string][]json.RawMessage{}}
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

func graphError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":"Fake%d","message":"injected"}}`, status)
}

func (f *fakeGraph) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rest, isSub := strings.CutPrefix(r.URL.Path, "/v1.0/subscriptions")
	if !isSub {
		if r.Method != http.MethodGet {
			graphError(w, http.StatusMethodNotAllowed)
			return
		}
		f.lists++
		page := map[string]any{"value": f.listings[r.URL.Path]}
		if strings.HasSuffix(r.URL.Path, "/delta") {
			page["@odata.deltaLink"] = "https://graph.microsoft.com" + r.URL.Path + "?$deltatoken=d"
		}
		_ = json.NewEncoder(w).Encode(page)
		return
	}
	id := strings.TrimPrefix(rest, "/")

	switch {
	case r.Method == http.MethodPost && id == "":
		var req createdSub
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			graphError(w, http.StatusBadRequest)
			return
		}
		f.creates = append(f.creates, req)
		if f.createStatus != 0 {
			graphError(w, f.createStatus)
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
			graphError(w, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id})

	case r.Method == http.MethodPatch && id != "":
		f.patches = append(f.patches, id)
		sub, ok := f.subs[id]
		if !ok {
			graphError(w, http.StatusNotFound)
			return
		}
		var body struct {
			ExpirationDateTime time.Time `json:"expirationDateTime"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		sub.ExpirationDateTime = body.ExpirationDateTime
		f.subs[id] = sub
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "expirationDateTime": sub.ExpirationDateTime})

	case r.Method == http.MethodDelete && id != "":
		f.deletes = append(f.deletes, id)
		if _, ok := f.subs[id]; !ok {
			graphError(w, http.StatusNotFound)
			return
		}
		delete(f.subs, id)
		w.WriteHeader(http.StatusNoContent)

	default:
		graphError(w, http.StatusMethodNotAllowed)
	}
}

func (f *fakeGraph) with(fn func(f *fakeGraph)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeGraph) counts() (creates, patches, deletes, lists int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates), len(f.patches), len(f.deletes), f.lists
}

func (f *fakeGraph) lastCreate() createdSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[len(f.creates)-1]
}
