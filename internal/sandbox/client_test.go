package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	var got ExecuteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/execute", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(ExecuteResult{
			Success:       true,
			Stdout:        "42\n",
			ExecutionTime: 0.12,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 30*time.Second)
	res, err := c.Execute(context.Background(), "print(42)", "sess-1", map[string]string{"API_KEY": "k"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "42\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)

	assert.Equal(t, "print(42)", got.Code)
	assert.Equal(t, "python", got.Language)
	assert.True(t, got.TrustedMode)
	assert.Equal(t, 30, got.Timeout)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "k", got.EnvVars["API_KEY"])
}

func TestExecuteFailureResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ExecuteResult{
			Success:  false,
			Stderr:   "NameError: name 'x' is not defined",
			ExitCode: 1,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	res, err := c.Execute(context.Background(), "x", "", nil)
	require.NoError(t, err, "a failed execution is a result, not a transport error")
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "NameError")
}

func TestExecuteGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.Execute(context.Background(), "print(1)", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestExecuteRetriesConnectFailureOnce(t *testing.T) {
	// Nothing listens on this address: both attempts fail to dial, and the
	// client gives up after the single retry.
	c := New("http://127.0.0.1:1", time.Second)
	start := time.Now()
	_, err := c.Execute(context.Background(), "print(1)", "", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteDeadlineMapsToTimeoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Execute(ctx, "while True: pass", "", nil)
	require.Error(t, err)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 2*time.Second, te.Deadline)
	assert.Contains(t, te.Error(), "timed out")
}

func TestExecuteCancelIsNotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can observe the
		// client disconnect and cancel the request context.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := c.Execute(ctx, "print(1)", "", nil)
	require.Error(t, err)
	var te *TimeoutError
	assert.False(t, errors.As(err, &te))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	assert.NoError(t, c.Health(context.Background()))
}

func TestHealthUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	assert.Error(t, c.Health(context.Background()))
}
