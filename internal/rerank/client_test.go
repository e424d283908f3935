package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopScores(t *testing.T) {
	var got rerankRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/rerank", r.URL.Path)
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(rerankResponse{Results: []rerankResult{
			{Index: 2, RelevanceScore: 0.91},
			{Index: 0, RelevanceScore: 0.55},
			{Index: 1, RelevanceScore: 0.12},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1", "key", "rerank-v3")
	scores, err := c.TopScores(context.Background(), "weather", []string{"a", "b", "c"}, 5, 0.3)
	require.NoError(t, err)

	assert.Equal(t, "rerank-v3", got.Model)
	assert.Equal(t, []string{"a", "b", "c"}, got.Documents)
	// 0.12 is filtered by minScore.
	require.Len(t, scores, 2)
	assert.Equal(t, 2, scores[0].Index)
	assert.Equal(t, 0.91, scores[0].Relevance)
	assert.Equal(t, 0, scores[1].Index)
}

func TestTopScoresTruncatesToTopN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rerankResponse{Results: []rerankResult{
			{Index: 0, RelevanceScore: 0.9},
			{Index: 1, RelevanceScore: 0.8},
			{Index: 2, RelevanceScore: 0.7},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m")
	scores, err := c.TopScores(context.Background(), "q", []string{"a", "b", "c"}, 2, 0)
	require.NoError(t, err)
	assert.Len(t, scores, 2)
}

func TestTopScoresEmptyDocuments(t *testing.T) {
	c := New("http://unused", "", "m")
	scores, err := c.TopScores(context.Background(), "q", nil, 5, 0.3)
	require.NoError(t, err)
	assert.Nil(t, scores, "no request is made for an empty document set")
}

func TestTopScoresAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m")
	_, err := c.TopScores(context.Background(), "q", []string{"a"}, 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rerank API error 404")
}

func TestTopScoresBadIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rerankResponse{Results: []rerankResult{{Index: 9, RelevanceScore: 0.9}}})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m")
	_, err := c.TopScores(context.Background(), "q", []string{"a"}, 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}
