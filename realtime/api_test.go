package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestApiChatSend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.Method, "POST")
		assert.Equal(t, r.URL.Path, "/chat/send")
		assert.Equal(t, r.Header.Get("Authorization"), "Bearer test-jwt")

		var args ChatSendArgs
		assert.Equal(t, json.NewDecoder(r.Body).Decode(&args), nil)
		assert.Equal(t, args.ReceiverId, "bob")
		assert.NotEqual(t, args.TempId, "")

		json.NewEncoder(w).Encode(&Message{
			Id:         42,
			TempId:     args.TempId,
			SenderId:   "alice",
			ReceiverId: args.ReceiverId,
			Content:    args.Content,
		})
	}))
	defer server.Close()

	api := NewApi(server.URL)
	api.SetByJwt("test-jwt")
	defer api.Close()

	message, err := api.ChatSendSync(&ChatSendArgs{
		ReceiverId: "bob",
		Content:    "hello",
		TempId:     NewId().String(),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Id, int64(42))
	assert.Equal(t, message.Content, "hello")
}

func TestApiChatContacts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.Method, "GET")
		assert.Equal(t, r.URL.Path, "/chat/contacts")
		json.NewEncoder(w).Encode([]*ChatContact{
			{UserId: "bob", UnreadCount: 2, IsOnline: true},
			{UserId: "carol"},
		})
	}))
	defer server.Close()

	api := NewApi(server.URL)
	defer api.Close()

	contacts, err := api.ChatContactsSync()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(contacts), 2)
	assert.Equal(t, contacts[0].UserId, "bob")
	assert.Equal(t, contacts[0].UnreadCount, 2)
}

func TestApiErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "user not found", http.StatusNotFound)
	}))
	defer server.Close()

	api := NewApi(server.URL)
	defer api.Close()

	_, err := api.ChatMessagesSync("missing", 100, 0)
	if err == nil {
		t.Fatal("expected an error")
	}
	// the response body is the error message
	assert.Equal(t, err.Error(), "user not found")
}

func TestApiCallbackDelivery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&AuthLoginResult{
			Token: "issued-jwt",
			User:  &AuthUser{UserId: "alice"},
		})
	}))
	defer server.Close()

	api := NewApi(server.URL)
	defer api.Close()

	callback, c := NewBlockingApiCallback[*AuthLoginResult]()
	api.AuthLogin(&AuthLoginArgs{Email: "a@example.com", Password: "pw"}, callback)

	result := <-c
	assert.Equal(t, result.Error, nil)
	assert.Equal(t, result.Result.Token, "issued-jwt")
	assert.Equal(t, result.Result.User.UserId, "alice")
}
