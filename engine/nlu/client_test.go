package nlu_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/taskping/taskping/engine/core"
	"github.com/taskping/taskping/engine/nlu"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Classify(t *testing.T) {
	t.Run("Should return outcome and confidence", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "all wrapped up", body["text"])
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"outcome": "DONE", "confidence": 0.91})
		}))
		defer srv.Close()
		client := nlu.NewClient(nlu.Config{BaseURL: srv.URL})
		outcome, confidence, err := client.Classify(context.Background(), "all wrapped up")
		require.NoError(t, err)
		assert.Equal(t, core.OutcomeDone, outcome)
		assert.InDelta(t, 0.91, confidence, 0.001)
	})
	t.Run("Should coerce unknown labels to unrecognized", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"outcome": "MAYBE", "confidence": 0.99})
		}))
		defer srv.Close()
		client := nlu.NewClient(nlu.Config{BaseURL: srv.URL})
		outcome, _, err := client.Classify(context.Background(), "dunno")
		require.NoError(t, err)
		assert.Equal(t, core.OutcomeUnrecognized, outcome)
	})
	t.Run("Should surface provider errors", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()
		client := nlu.NewClient(nlu.Config{BaseURL: srv.URL})
		_, _, err := client.Classify(context.Background(), "text")
		assert.Error(t, err)
	})
}
