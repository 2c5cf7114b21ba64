package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/shoplane/chat-gateway/internal/auth"
	"github.com/shoplane/chat-gateway/internal/chat"
	"github.com/shoplane/chat-gateway/internal/gateway"
	httpapi "github.com/shoplane/chat-gateway/internal/http"
	"github.com/shoplane/chat-gateway/internal/queue"
)

const (
	testSecret = "test-secret"
	adminToken = "super-secret-admin"
)

type apiEnv struct {
	handler http.Handler
	store   *chat.Mem
	queue   *queue.Memory
}

func startAPI(t *testing.T) *apiEnv {
	t.Helper()
	store := chat.NewMem()
	q := queue.NewMemory()
	verifier := auth.NewJWT(testSecret)
	gw := gateway.New(verifier, nil, q, gateway.DefaultOptions(), zerolog.Nop())

	srv := &httpapi.Server{
		Store:      store,
		Queue:      q,
		Gateway:    gw,
		Verifier:   verifier,
		AdminToken: adminToken,
		Log:        zerolog.Nop(),
	}
	return &apiEnv{handler: srv.Router(), store: store, queue: q}
}

func authed(t *testing.T, req *http.Request, user string) *http.Request {
	t.Helper()
	token, err := auth.GenerateToken(testSecret, user, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func seed(t *testing.T, store *chat.Mem, from, to, text string, ts int64) string {
	t.Helper()
	m := &chat.Message{MessageID: uuid.NewString(), From: from, To: to, Text: text, TS: ts}
	inserted, err := store.Insert(context.Background(), m)
	require.NoError(t, err)
	require.True(t, inserted)
	return m.MessageID
}

func TestHistoryRequiresAuth(t *testing.T) {
	env := startAPI(t)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest("GET", "/messages?with=u2", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/messages?with=u2", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	env := startAPI(t)
	seed(t, env.store, "u1", "u2", "hello", 100)
	seed(t, env.store, "u2", "u1", "hi back", 200)
	seed(t, env.store, "u1", "u3", "other convo", 150)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, authed(t, httptest.NewRequest("GET", "/messages?with=u2", nil), "u1"))
	require.Equal(t, http.StatusOK, w.Code)

	var page chat.HistoryPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Messages, 2)
	require.Equal(t, "hello", page.Messages[0].Text)
	require.Equal(t, "hi back", page.Messages[1].Text)
}

func TestHistoryRejectsBadParams(t *testing.T) {
	env := startAPI(t)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, authed(t, httptest.NewRequest("GET", "/messages", nil), "u1"))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, authed(t, httptest.NewRequest("GET", "/messages?with=u2&before=nope", nil), "u1"))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMarkSeenEndpoint(t *testing.T) {
	env := startAPI(t)
	seed(t, env.store, "u1", "u2", "a", 100)
	seed(t, env.store, "u1", "u2", "b", 200)

	body := bytes.NewBufferString(`{"with":"u1"}`)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, authed(t, httptest.NewRequest("POST", "/messages/seen", body), "u2"))
	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.EqualValues(t, 2, out["updated"])
}

func TestAdminRoutesRequireToken(t *testing.T) {
	env := startAPI(t)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest("GET", "/admin/queue/counts", nil))
	require.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin/queue/counts", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func adminReq(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("X-Admin-Token", adminToken)
	return req
}

func TestAdminQueueInspection(t *testing.T) {
	env := startAPI(t)
	ctx := context.Background()

	// one waiting job, one dead job
	_, err := env.queue.Enqueue(ctx, "save-message", map[string]string{"k": "v"}, queue.DefaultOptions())
	require.NoError(t, err)

	opts := queue.DefaultOptions()
	opts.MaxAttempts = 1
	deadID, err := env.queue.Enqueue(ctx, "save-message", nil, opts)
	require.NoError(t, err)
	// drain both, kill the second
	for i := 0; i < 2; i++ {
		job, err := env.queue.Dequeue(ctx)
		require.NoError(t, err)
		if job.ID == deadID {
			require.NoError(t, env.queue.Fail(ctx, job, errors.New("boom"), false))
		} else {
			require.NoError(t, env.queue.Fail(ctx, job, errors.New("transient"), false))
		}
	}

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, adminReq("GET", "/admin/queue/counts"))
	require.Equal(t, http.StatusOK, w.Code)
	var counts map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &counts))
	require.EqualValues(t, 1, counts["dead"])

	// dead jobs listing is the default view
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, adminReq("GET", "/admin/queue/jobs"))
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Jobs []queue.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Len(t, listing.Jobs, 1)
	require.Equal(t, deadID, listing.Jobs[0].ID)

	// inspect one job
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, adminReq("GET", "/admin/queue/jobs/"+deadID))
	require.Equal(t, http.StatusOK, w.Code)
	var job queue.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	require.Equal(t, "boom", job.LastError)

	// retry the dead job
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, adminReq("POST", "/admin/queue/jobs/"+deadID+"/retry"))
	require.Equal(t, http.StatusOK, w.Code)

	// retrying a non-dead job is a conflict
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, adminReq("POST", "/admin/queue/jobs/"+deadID+"/retry"))
	require.Equal(t, http.StatusConflict, w.Code)

	// unknown job is a 404
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, adminReq("POST", "/admin/queue/jobs/nope/retry"))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthz(t *testing.T) {
	env := startAPI(t)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestReadyzReportsDependencyFailure(t *testing.T) {
	store := chat.NewMem()
	q := queue.NewMemory()
	verifier := auth.NewJWT(testSecret)
	srv := &httpapi.Server{
		Store:    store,
		Queue:    q,
		Gateway:  gateway.New(verifier, nil, q, gateway.DefaultOptions(), zerolog.Nop()),
		Verifier: verifier,
		Log:      zerolog.Nop(),
		ReadyCheck: func(context.Context) error {
			return errors.New("db down")
		},
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
