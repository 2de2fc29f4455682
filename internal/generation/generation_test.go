package generation_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliverline/internal/generation"
)

func TestHTTPClientGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req generation.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "goal_match", req.Purpose)
		_ = json.NewEncoder(w).Encode(map[string]any{"text": "```json\n{\"goal_id\":\"g-1\",\"confidence\":80}\n```"})
	}))
	defer srv.Close()

	c := generation.NewHTTPClient(srv.URL, "secret", 0)
	res, err := c.Generate(context.Background(), generation.Request{Purpose: "goal_match", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "g-1", generation.String(res.JSON, "goal_id"))
	conf, ok := generation.Float(res.JSON, "confidence")
	assert.True(t, ok)
	assert.Equal(t, 80.0, conf)
}

func TestHTTPClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := generation.NewHTTPClient(srv.URL, "", 0).Generate(context.Background(), generation.Request{})
	var apiErr *generation.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)

	_, err = generation.NewHTTPClient("", "", 0).Generate(context.Background(), generation.Request{})
	require.ErrorIs(t, err, generation.ErrDisabled)
}

func TestDecodeJSON(t *testing.T) {
	assert.Nil(t, generation.DecodeJSON("no json here"))
	assert.Nil(t, generation.DecodeJSON("{broken"))
	m := generation.DecodeJSON(`prefix {"suggestions": ["a", " ", "b"]} suffix`)
	assert.Equal(t, []string{"a", "b"}, generation.Strings(m, "suggestions"))
}
