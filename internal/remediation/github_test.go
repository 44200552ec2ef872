package remediation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msageha/taskgate/internal/delivery"
	"github.com/msageha/taskgate/internal/model"
)

// behindPR is a pull request that lags its base until the branch is updated.
// The update lands one read after it was requested.
type behindPR struct {
	mu          sync.Mutex
	updated     bool
	readsSince  int
	mergedAtSHA string
}

func (p *behindPR) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/app/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		state, head := "behind", "abc123"
		if p.updated {
			p.readsSince++
			if p.readsSince > 1 {
				state, head = "clean", "def456"
			}
		}
		respond(w, http.StatusOK, map[string]any{
			"number": 7, "state": "open", "mergeable": true,
			"mergeable_state": state, "head": map[string]any{"sha": head},
		})
	})
	mux.HandleFunc("PUT /repos/acme/app/pulls/7/update-branch", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.updated = true
		p.mu.Unlock()
		respond(w, http.StatusAccepted, map[string]any{"message": "Updating pull request branch."})
	})
	mux.HandleFunc("GET /repos/acme/app/git/commits/def456", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{"sha": "def456",
			"parents": []map[string]any{{"sha": "abc123"}, {"sha": "base111"}}})
	})
	mux.HandleFunc("GET /repos/acme/app/commits/{sha}/status", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{"state": "success", "total_count": 1})
	})
	mux.HandleFunc("PUT /repos/acme/app/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		p.mergedAtSHA, _ = body["sha"].(string)
		p.mu.Unlock()
		respond(w, http.StatusOK, map[string]any{"merged": true, "sha": "fff000"})
	})
	return mux
}

func respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestFinalize_GitHubBranchUpdateThenMerge(t *testing.T) {
	pr := &behindPR{}
	srv := httptest.NewServer(pr.handler())
	t.Cleanup(srv.Close)

	gh, err := delivery.NewGitHub(context.Background(), model.GitHubConfig{
		Token:          "t",
		BaseURL:        srv.URL,
		RequestsPerSec: 1000,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	f := newFixture(t, &scriptedDelivery{})
	f.loop.delivery = gh
	f.submit(t, "a", 1)
	task := f.completeWith(t, "a", &model.Result{Change: &model.ChangeRef{
		Owner: "acme", Repo: "app", Number: 7, HeadSHA: "abc123",
	}})

	got, err := f.loop.Handle(context.Background(), decision(task, model.VerdictApprove))
	require.NoError(t, err)
	assert.True(t, got.Delivered())
	assert.Zero(t, got.RetryCount)
	assert.Equal(t, []string{"FINALIZE:CONFLICT", "FINALIZE:CI_PENDING", "FINALIZE:SUCCESS"}, actions(f.history(t, "a")))
	assert.Equal(t, "def456", pr.mergedAtSHA)
}
