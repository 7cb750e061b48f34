package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/socialsync/pkg/protocol"
)

func TestFetchUnseenCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/notifications/u 1/unseen", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"unseenCount":7}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", nil)
	c.SetToken("tok")
	n, err := c.FetchUnseenCount(context.Background(), "u 1")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestFetchConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(protocol.ConversationPage{
			Data: []protocol.Conversation{
				{ID: "c1", OtherParticipant: protocol.Participant{ID: "u2", Name: "Ana"}, UnseenCount: 2},
			},
			Pagination: protocol.Pagination{CurrentPage: 2, TotalPages: 2, TotalItems: 11, ItemsPerPage: 10},
		})
	}))
	defer srv.Close()

	page, err := NewClient(srv.URL, nil).FetchConversations(context.Background(), 2, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "Ana", page.Data[0].OtherParticipant.Name)
	assert.Equal(t, 11, page.Pagination.TotalItems)
}

func TestBulkActionsSendIDs(t *testing.T) {
	var gotPath string
	var gotIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body struct {
			IDs []string `json:"ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotIDs = body.IDs
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	ctx := context.Background()

	require.NoError(t, c.MarkConversationsRead(ctx, []string{"a", "b"}))
	assert.Equal(t, "/conversations/read", gotPath)
	assert.Equal(t, []string{"a", "b"}, gotIDs)

	require.NoError(t, c.MarkConversationsUnread(ctx, []string{"c"}))
	assert.Equal(t, "/conversations/unread", gotPath)

	require.NoError(t, c.DeleteConversations(ctx, []string{"d"}))
	assert.Equal(t, "/conversations/delete", gotPath)
	assert.Equal(t, []string{"d"}, gotIDs)
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantMessage  string
		unauthorized bool
	}{
		{name: "server error with message", status: 500, body: `{"error":"db down"}`, wantMessage: "db down"},
		{name: "unauthorized", status: 401, body: `{"message":"token expired"}`, wantMessage: "token expired", unauthorized: true},
		{name: "plain text body", status: 404, body: "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, nil).FetchUnseenCount(context.Background(), "u1")
			require.Error(t, err)

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
			assert.Equal(t, tt.unauthorized, errors.Is(err, ErrUnauthorized))
		})
	}
}

func TestMarkAllNotificationsSeen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/notifications/u1/seen", r.URL.Path)
		w.Write([]byte(`{"unseenCount":0}`))
	}))
	defer srv.Close()

	n, err := NewClient(srv.URL, nil).MarkAllNotificationsSeen(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient(srv.URL, nil).FetchConversations(ctx, 1, 10)
	assert.ErrorIs(t, err, context.Canceled)
}
