package issueflowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplaceTransitionsSendsScopes(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/v1/workflows/transitions", r.URL.Path)
		require.Equal(t, "k1", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pairs":2,"rules":1}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k1"
	res, err := c.ReplaceTransitions(context.Background(), []int{2, 3}, []int{1}, []TransitionEdit{{FromStatusID: 1, ToStatusID: 2, Always: true}})
	require.NoError(t, err)
	require.Equal(t, ReplaceResult{Pairs: 2, Rules: 1}, res)
	require.Equal(t, []any{float64(2), float64(3)}, got["role_ids"])
}

func TestFieldRulesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/workflows/field-rules", r.URL.Path)
		require.Equal(t, "2,3", r.URL.Query().Get("role_id"))
		require.Equal(t, "1", r.URL.Query().Get("tracker_id"))
		require.Equal(t, "4", r.URL.Query().Get("status_id"))
		require.Equal(t, "due_date", r.URL.Query().Get("field"))
		w.Write([]byte(`{"access":"no_change"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	rules, err := c.FieldRules(context.Background(), []int{2, 3}, 1, 4, "due_date")
	require.NoError(t, err)
	require.Equal(t, "no_change", rules.Access)
}

func TestAPIErrorDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"validation_failed","message":"source: select a source tracker or role"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.Copy(context.Background(), CopyRequest{TargetTrackerIDs: []int{1}, TargetRoleIDs: []int{2}})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	require.Equal(t, "validation_failed", apiErr.Code)
	require.Contains(t, apiErr.Error(), "select a source tracker")
}

func TestEventsPageCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/events", r.URL.Path)
		require.Equal(t, "5", r.URL.Query().Get("limit"))
		require.Equal(t, "42", r.URL.Query().Get("cursor"))
		w.Write([]byte(`{"items":[{"id":41,"type":"workflow.rules.copied"}],"next_cursor":"41"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 5, "42")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "41", page.NextCursor)
}
