package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"issueflow/internal/config"
	"issueflow/internal/domain"
)

type capturedDelivery struct {
	header http.Header
	body   webhookEvent
}

type webhookSink struct {
	mu         sync.Mutex
	deliveries []capturedDelivery
	status     int
}

func (s *webhookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var evt webhookEvent
	_ = json.Unmarshal(data, &evt)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	s.deliveries = append(s.deliveries, capturedDelivery{header: r.Header.Clone(), body: evt})
}

func (s *webhookSink) received() []capturedDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedDelivery(nil), s.deliveries...)
}

func (s *webhookSink) setStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func TestWebhookDeliversNewEventsOnly(t *testing.T) {
	srv := newTestServer(t)
	sink := &webhookSink{}
	hook := httptest.NewServer(sink)
	defer hook.Close()

	ctx := context.Background()
	d := newWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"registry.status.created"},
		Secret: "s3cret",
	}})
	// seeded events predate the dispatcher
	d.dispatchAll(ctx)
	require.Empty(t, sink.received())

	_, err := srv.Engine.CreateTracker(ctx, domain.Tracker{Name: "Task"}, "admin")
	require.NoError(t, err)
	created, err := srv.Engine.CreateStatus(ctx, domain.Status{Name: "Verified"}, "admin")
	require.NoError(t, err)
	d.dispatchAll(ctx)

	got := sink.received()
	require.Len(t, got, 1)
	require.Equal(t, "registry.status.created", got[0].body.Type)
	require.Equal(t, "status", got[0].body.EntityKind)
	require.Equal(t, "7", got[0].body.EntityID)
	require.Equal(t, "registry.status.created", got[0].header.Get("X-Issueflow-Event"))
	require.Equal(t, "s3cret", got[0].header.Get("X-Issueflow-Secret"))
	require.NotEmpty(t, got[0].header.Get("X-Issueflow-Delivery"))
	require.Equal(t, 7, created.ID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(got[0].body.Payload, &payload))
	require.Equal(t, "Verified", payload["name"])

	d.dispatchAll(ctx)
	require.Len(t, sink.received(), 1)
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	srv := newTestServer(t)
	sink := &webhookSink{status: http.StatusBadGateway}
	hook := httptest.NewServer(sink)
	defer hook.Close()

	ctx := context.Background()
	d := newWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{URL: hook.URL}})
	d.dispatchAll(ctx)

	_, err := srv.Engine.CreateStatus(ctx, domain.Status{Name: "Verified"}, "admin")
	require.NoError(t, err)
	d.dispatchAll(ctx)
	require.Empty(t, sink.received())

	sink.setStatus(0)
	d.dispatchAll(ctx)
	got := sink.received()
	require.Len(t, got, 1)
	require.Equal(t, "registry.status.created", got[0].body.Type)
}

func TestWebhookSkipsDisabledHooks(t *testing.T) {
	srv := newTestServer(t)
	sink := &webhookSink{}
	hook := httptest.NewServer(sink)
	defer hook.Close()

	disabled := false
	ctx := context.Background()
	d := newWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{URL: hook.URL, Enabled: &disabled}})
	d.dispatchAll(ctx)
	_, err := srv.Engine.CreateStatus(ctx, domain.Status{Name: "Verified"}, "admin")
	require.NoError(t, err)
	d.dispatchAll(ctx)
	require.Empty(t, sink.received())
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter([]string{" ", ""})
	require.True(t, all.match("anything"))

	f := newEventFilter([]string{"workflow.rules.copied"})
	require.True(t, f.match("workflow.rules.copied"))
	require.False(t, f.match("workflow.transitions.replaced"))
}
