package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/recall/internal/config"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/search"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Index.Dimensions = 64
	cfg.Index.BackfillInterval = time.Hour
	cfg.Queue.SweepInterval = time.Hour
	return cfg
}

func newService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	svc, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Index.Embedder = "word2vec"
	_, err := New(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index.embedder")
}

func TestBackfill(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, testConfig(t))

	sess, _, err := svc.Store().CreateSession(ctx, "claude-1", "api", "")
	require.NoError(t, err)
	_, _, err = svc.Store().AppendObservation(ctx, memory.AppendObservationParams{
		SessionID: sess.ID, Project: "api", PromptNumber: 1,
		ObservationInput: memory.ObservationInput{Type: "discovery", Title: "router layout", Narrative: "routes live in router.go"},
	})
	require.NoError(t, err)

	synced, failed, err := svc.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, synced)
	assert.Zero(t, failed)

	synced, _, err = svc.Backfill(ctx)
	require.NoError(t, err)
	assert.Zero(t, synced, "second pass has nothing left")

	res, err := svc.Search().Query(ctx, search.Request{Text: "router layout"})
	require.NoError(t, err)
	assert.Equal(t, search.ModeHybrid, res.Mode)
	require.NotNil(t, res.Anchor())
	assert.Equal(t, "router layout", res.Anchor().Title)
}

func TestBackfill_IndexDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Index.Enabled = false
	svc := newService(t, cfg)

	_, _, err := svc.Backfill(context.Background())
	assert.ErrorIs(t, err, ErrIndexDisabled)
}

func TestServe_RecoversOrphansAndIngests(t *testing.T) {
	svc := newService(t, testConfig(t))

	// A session left initializing by a crashed process.
	orphan, _, err := svc.Store().CreateSession(context.Background(), "crashed", "api", "")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	got, err := svc.Store().GetSession(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.StatusFailed, got.Status)

	post := func(path, body string) int {
		resp, err := http.Post(base+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp.StatusCode
	}
	require.Equal(t, http.StatusOK, post("/api/sessions/init", `{"session_id":"claude-1","project":"api","prompt":"fix the handler"}`))
	require.Equal(t, http.StatusAccepted, post("/api/sessions/claude-1/observations",
		`{"tool_name":"Read","tool_input":{"file_path":"/src/handler.go"}}`))

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/search?q=handler&project=api")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var res search.Result
		if json.NewDecoder(resp.Body).Decode(&res) != nil {
			return false
		}
		a := res.Anchor()
		return a != nil && a.Title == "Read: /src/handler.go"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestMCPServer_RegistersTools(t *testing.T) {
	svc := newService(t, testConfig(t))
	ms := svc.MCPServer()
	ctx := context.Background()

	ms.HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`))

	resp := ms.HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, name := range []string{
		"mem_search", "mem_timeline", "mem_get_observation", "mem_context",
		"mem_sessions", "mem_search_prompts", "mem_stats",
	} {
		assert.Contains(t, string(raw), `"`+name+`"`)
	}

	resp = ms.HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"mem_stats","arguments":{}}}`))
	raw, err = json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Observations")
}

func TestServe_ReturnsListenerErrors(t *testing.T) {
	svc := newService(t, testConfig(t))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	err = svc.Serve(context.Background(), ln)
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
