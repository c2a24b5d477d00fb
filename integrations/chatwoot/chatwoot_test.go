package chatwoot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasvidela/chatburst/coordinator/domain"
)

func TestParseWebhook_IncomingMessage(t *testing.T) {
	body := []byte(`{
		"event": "message_created",
		"message_type": "incoming",
		"private": false,
		"content": "Hola necesito ayuda",
		"id": 991,
		"conversation": {"id": 42},
		"sender": {"name": "Lucas", "phone_number": "+54 9 11 2233-4455"}
	}`)

	arrival, ok, err := ParseWebhook("acme", body)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acme", arrival.ClientID)
	assert.Equal(t, "5491122334455", arrival.SenderKey)
	assert.Equal(t, "5491122334455", arrival.Phone)
	assert.Equal(t, "Hola necesito ayuda", arrival.Text)
	assert.Equal(t, domain.ChannelChatwoot, arrival.SourceChannel)
	assert.Equal(t, "42", arrival.SourceRef)
	assert.Equal(t, "chatwoot:991", arrival.ExternalID)
}

func TestParseWebhook_WidgetContactFallsBackToName(t *testing.T) {
	body := []byte(`{
		"event": "message_created",
		"message_type": "incoming",
		"content": "desde el widget",
		"id": 7,
		"conversation": {"id": 8},
		"sender": {"name": "Visitante 123"}
	}`)

	arrival, ok, err := ParseWebhook("acme", body)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Visitante 123", arrival.SenderKey)
	assert.Empty(t, arrival.Phone)
}

func TestParseWebhook_SkipsNonArrivals(t *testing.T) {
	cases := map[string]string{
		"outgoing echo": `{"event":"message_created","message_type":"outgoing","content":"x","id":1,"conversation":{"id":1}}`,
		"private note":  `{"event":"message_created","message_type":"incoming","private":true,"content":"x","id":2,"conversation":{"id":1}}`,
		"other event":   `{"event":"conversation_updated","message_type":"incoming","content":"x"}`,
		"empty content": `{"event":"message_created","message_type":"incoming","content":"  ","id":3,"conversation":{"id":1}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok, err := ParseWebhook("acme", []byte(raw))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestCreateMessage(t *testing.T) {
	var gotPath, gotToken string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("api_access_token")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, AccountID: 3, AccountToken: "tok"})
	err := client.CreateMessage(context.Background(), "42", "respuesta del bot")
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/accounts/3/conversations/42/messages", gotPath)
	assert.Equal(t, "tok", gotToken)
	assert.Equal(t, "respuesta del bot", gotBody["content"])
	assert.Equal(t, "outgoing", gotBody["message_type"])
}

func TestCreateMessage_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, AccountID: 3, AccountToken: "bad"})
	err := client.CreateMessage(context.Background(), "42", "x")
	assert.ErrorContains(t, err, "status 401")
}
