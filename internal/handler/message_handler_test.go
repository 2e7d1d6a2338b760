package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"dmsync/internal/repository/memory"
	"dmsync/internal/services"
	"dmsync/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, *services.MessageService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	svc := services.NewMessageService(store, store, 0)
	h := NewMessageHandler(svc)

	r := gin.New()
	// Stand-in for the auth middleware: the caller comes from a header.
	r.Use(func(c *gin.Context) {
		if user := c.GetHeader("X-Test-User"); user != "" {
			c.Request = c.Request.WithContext(services.WithUserContext(c.Request.Context(), user))
		}
		c.Next()
	})
	r.GET("/messages/conversation/:userId/:otherUserId", h.Conversation)
	r.GET("/conversations", h.Peers)
	return r, svc
}

func get(r *gin.Engine, path, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestConversation_ReturnsHistoryInOrder(t *testing.T) {
	r, svc := setupRouter(t)
	ctx := context.Background()
	for _, text := range []string{"one", "two"} {
		_, err := svc.CreateMessage(ctx, services.SendMessageInput{SenderID: "alice", ReceiverID: "bob", Content: text})
		require.NoError(t, err)
	}

	w := get(r, "/messages/conversation/bob/alice", "bob")
	require.Equal(t, http.StatusOK, w.Code)

	var resp httpdto.Response[[]httpdto.MessageResponse]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "one", resp.Data[0].Content)
	assert.Equal(t, "two", resp.Data[1].Content)
	assert.Equal(t, resp.Data[0].ConversationID, resp.Data[1].ConversationID)
}

func TestConversation_EmptyPairIsEmptyList(t *testing.T) {
	r, _ := setupRouter(t)

	w := get(r, "/messages/conversation/alice/bob", "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"data":[]}`, w.Body.String())
}

func TestConversation_ForbiddenForOutsider(t *testing.T) {
	r, _ := setupRouter(t)

	w := get(r, "/messages/conversation/alice/bob", "mallory")
	assert.Equal(t, http.StatusForbidden, w.Code)

	var resp httpdto.Response[any]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "FORBIDDEN", resp.Code)
}

func TestConversation_Unauthenticated(t *testing.T) {
	r, _ := setupRouter(t)
	w := get(r, "/messages/conversation/alice/bob", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestConversation_SamePairIsInvalid(t *testing.T) {
	r, _ := setupRouter(t)
	w := get(r, "/messages/conversation/alice/alice", "alice")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPeers(t *testing.T) {
	r, svc := setupRouter(t)
	_, err := svc.CreateMessage(context.Background(), services.SendMessageInput{SenderID: "carol", ReceiverID: "alice", Content: "hi"})
	require.NoError(t, err)

	w := get(r, "/conversations", "alice")
	require.Equal(t, http.StatusOK, w.Code)

	var resp httpdto.Response[[]httpdto.PeerResponse]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "carol", resp.Data[0].PeerID)
}
