package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Faultbox/modelstats/internal/analyzer"
	"github.com/Faultbox/modelstats/internal/resource"
	"github.com/Faultbox/modelstats/internal/store"
	"github.com/Faultbox/modelstats/internal/worker"
)

type analyzerFunc func(ctx context.Context, url string, fileMap map[string]string) (analyzer.Stats, error)

func (f analyzerFunc) Analyze(ctx context.Context, url string, fileMap map[string]string) (analyzer.Stats, error) {
	return f(ctx, url, fileMap)
}

// fakeAnalyzer answers by URL: "slow" waits for cancellation, "missing"
// fails with a 404, anything else yields stats sized by the URL.
var fakeAnalyzer = analyzerFunc(func(ctx context.Context, url string, fileMap map[string]string) (analyzer.Stats, error) {
	switch {
	case strings.Contains(url, "slow"):
		<-ctx.Done()
		return analyzer.Stats{}, resource.ErrCancelled
	case strings.Contains(url, "missing"):
		return analyzer.Stats{}, &resource.FetchError{URL: url, Status: 404}
	case strings.Contains(url, "big"):
		return analyzer.Stats{MeshCount: 1, TriangleCount: 120000, MaxTextureWidth: 4096, MaxTextureHeight: 4096}, nil
	}
	return analyzer.Stats{MeshCount: 1, TriangleCount: len(url)}, nil
})

func newTestServer(t *testing.T, withHistory bool) (*httptest.Server, *store.Store) {
	t.Helper()
	opts := Options{Analyzer: fakeAnalyzer, AllowedOrigins: []string{"viewer.test"}}

	var st *store.Store
	if withHistory {
		var err error
		st, err = store.Open(":memory:", nil)
		if err != nil {
			t.Fatalf("failed to open store: %v", err)
		}
		t.Cleanup(func() { st.Close() })
		opts.History = st
	}

	ts := httptest.NewServer(New(opts).Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func postAnalyze(t *testing.T, ts *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/analyze", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, false)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	ts, st := newTestServer(t, true)

	resp, out := postAnalyze(t, ts, `{"url":"https://x.test/models/big.glb","quality":"low"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, out)
	}

	stats := out["stats"].(map[string]any)
	if stats["triangleCount"] != float64(120000) {
		t.Errorf("expected triangleCount 120000, got %v", stats["triangleCount"])
	}
	advice := out["advice"].(map[string]any)
	if advice["useLod"] != true || advice["lodUrl"] != "https://x.test/models/lod/raw/big.glb" {
		t.Errorf("unexpected advice %v", advice)
	}
	if advice["downscaleTextures"] != true {
		t.Errorf("expected texture downscale at low quality, got %v", advice)
	}

	entries, err := st.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("history query failed: %v", err)
	}
	if len(entries) != 1 || entries[0].URL != "https://x.test/models/big.glb" {
		t.Errorf("expected the analysis in history, got %+v", entries)
	}
}

func TestAnalyzeEndpoint_Errors(t *testing.T) {
	ts, st := newTestServer(t, true)

	tests := []struct {
		name   string
		body   string
		status int
		msg    string
	}{
		{"invalid json", `{`, http.StatusBadRequest, "invalid JSON"},
		{"missing url", `{}`, http.StatusBadRequest, "url is required"},
		{"bad quality", `{"url":"a.glb","quality":"ultra"}`, http.StatusBadRequest, "unknown quality"},
		{"fetch failure", `{"url":"https://x.test/missing.glb"}`, http.StatusUnprocessableEntity, "404"},
		{"oversized body", `{"url":"` + strings.Repeat("a", MaxRequestBytes) + `"}`, http.StatusRequestEntityTooLarge, "too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postAnalyze(t, ts, tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("expected %d, got %d", tt.status, resp.StatusCode)
			}
			if msg, _ := out["error"].(string); !strings.Contains(msg, tt.msg) {
				t.Errorf("expected error containing %q, got %q", tt.msg, msg)
			}
		})
	}

	if entries, _ := st.Recent(context.Background(), 10); len(entries) != 0 {
		t.Errorf("expected failures to stay out of history, got %d entries", len(entries))
	}
}

func TestHistoryEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, true)
	postAnalyze(t, ts, `{"url":"a.glb"}`)
	postAnalyze(t, ts, `{"url":"bb.glb"}`)
	postAnalyze(t, ts, `{"url":"a.glb"}`)

	get := func(query string) []store.Entry {
		resp, err := http.Get(ts.URL + "/api/history" + query)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		defer resp.Body.Close()
		var entries []store.Entry
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		return entries
	}

	if got := get(""); len(got) != 3 {
		t.Errorf("expected 3 entries, got %d", len(got))
	}
	if got := get("?limit=1"); len(got) != 1 {
		t.Errorf("expected 1 entry with limit, got %d", len(got))
	}
	got := get("?url=a.glb")
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for a.glb, got %d", len(got))
	}
	if got[0].Stats.TriangleCount != len("a.glb") {
		t.Errorf("expected stats for a.glb, got %+v", got[0].Stats)
	}

	resp, _ := http.Get(ts.URL + "/api/history?limit=-2")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for negative limit, got %d", resp.StatusCode)
	}
}

func TestHistoryDisabled(t *testing.T) {
	ts, _ := newTestServer(t, false)

	resp, err := http.Get(ts.URL + "/api/history")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func dialWS(t *testing.T, ts *httptest.Server, origin string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readResponse(t *testing.T, conn *websocket.Conn) worker.Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp worker.Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return resp
}

func TestWebSocket_Protocol(t *testing.T) {
	ts, _ := newTestServer(t, false)
	conn := dialWS(t, ts, "https://viewer.test")

	// A slow analysis is cancelled and must never answer.
	conn.WriteJSON(worker.AnalyzeRequest(1, "https://x.test/slow.glb", nil))
	conn.WriteJSON(worker.CancelRequest(1))
	conn.WriteJSON(worker.AnalyzeRequest(2, "quick.glb", map[string]string{"a.bin": "blob:1"}))

	resp := readResponse(t, conn)
	if resp.Type != worker.TypeStats || resp.RequestID != 2 {
		t.Fatalf("expected stats for 2, got %s for %d", resp.Type, resp.RequestID)
	}
	if resp.Stats.TriangleCount != len("quick.glb") {
		t.Errorf("expected triangleCount %d, got %d", len("quick.glb"), resp.Stats.TriangleCount)
	}

	conn.WriteJSON(worker.AnalyzeRequest(3, "https://x.test/missing.glb", nil))
	resp = readResponse(t, conn)
	if resp.Type != worker.TypeError || resp.RequestID != 3 || !strings.Contains(resp.Message, "404") {
		t.Errorf("expected 404 error for 3, got %+v", resp)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"render","requestId":9}`))
	resp = readResponse(t, conn)
	if resp.Type != worker.TypeError || resp.RequestID != 9 {
		t.Errorf("expected protocol error for 9, got %+v", resp)
	}
}

func TestWebSocket_Origin(t *testing.T) {
	ts, _ := newTestServer(t, false)

	header := http.Header{"Origin": []string{"https://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	if err == nil {
		t.Fatal("expected handshake to fail for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}

func TestWebSocket_OversizedFrame(t *testing.T) {
	ts, _ := newTestServer(t, false)
	conn := dialWS(t, ts, "")

	big := `{"type":"analyze","requestId":1,"url":"` + strings.Repeat("a", MaxRequestBytes) + `"}`
	conn.WriteMessage(websocket.TextMessage, []byte(big))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the connection to close after an oversized frame")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Errorf("expected the server to close the connection, got timeout %v", err)
	}
}
