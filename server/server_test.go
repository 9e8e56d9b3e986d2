package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"videorag/config"
	"videorag/core"
	"videorag/embedder"
)

type stubRuntime struct{}

func (stubRuntime) Load(string) (string, error)             { return "cpu", nil }
func (stubRuntime) EncodeVideo([]string) ([][]float32, error) { return [][]float32{{1, 2}}, nil }
func (stubRuntime) EncodeText(string) ([]float32, error)    { return []float32{3, 4}, nil }
func (stubRuntime) Close() error                            { return nil }

func newTestServer(t *testing.T) (*Server, *core.StatusStore, *embedder.Manager) {
	t.Helper()
	cfg, err := config.FromJSON([]byte(`{"openai_api_key":"sk-a","ali_dashscope_api_key":"ds-b"}`))
	if err != nil {
		t.Fatal(err)
	}
	cfg.BaseStoragePath = t.TempDir()
	cfg.OpenAIAPIKey = "sk-a"
	cfg.DashScopeAPIKey = "ds-b"

	status := core.NewStatusStore(cfg.BaseStoragePath)
	pm, err := core.NewProcessManager(status, func() string { return string(cfg.ToJSON()) })
	if err != nil {
		t.Fatal(err)
	}
	em := embedder.NewManager(func() embedder.Runtime { return stubRuntime{} })
	return New(cfg, core.NewFacade(pm, status), pm, em), status, em
}

func do(t *testing.T, s *Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("{}")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: unparseable body %q", method, path, rec.Body.String())
	}
	return rec.Code, resp
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	code, resp := do(t, s, http.MethodGet, "/api/health", "")
	if code != http.StatusOK || resp["success"] != true {
		t.Fatalf("health = %d %v", code, resp)
	}
}

func TestSessionStatusEndpoint(t *testing.T) {
	s, status, _ := newTestServer(t)
	status.Update("chat1", core.ChannelIndexing, core.StatusPatch{
		"status": core.StatusProcessing, "message": "Audio Processing",
	})
	status.Update("chat1", core.ChannelQuery, core.StatusPatch{
		"status": core.StatusCompleted, "answer": "42",
	})

	code, resp := do(t, s, http.MethodGet, "/api/sessions/chat1/status", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d %v", code, resp)
	}
	ch := resp["status"].(map[string]any)
	if ch["message"] != "Audio Processing" {
		t.Errorf("indexing channel = %v", ch)
	}

	code, resp = do(t, s, http.MethodGet, "/api/sessions/chat1/status?type=query", "")
	if code != http.StatusOK {
		t.Fatalf("query status = %d %v", code, resp)
	}
	if resp["status"].(map[string]any)["answer"] != "42" {
		t.Errorf("query channel = %v", resp["status"])
	}

	code, resp = do(t, s, http.MethodGet, "/api/sessions/ghost/status", "")
	if code != http.StatusNotFound || resp["success"] != false {
		t.Errorf("unknown session = %d %v", code, resp)
	}
}

func TestIndexedVideosEndpoint(t *testing.T) {
	s, status, _ := newTestServer(t)
	status.AppendIndexedVideo("chat1", "lecture")
	status.AppendIndexedVideo("chat1", "demo")

	code, resp := do(t, s, http.MethodGet, "/api/sessions/chat1/videos/indexed", "")
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	videos := resp["indexed_videos"].([]any)
	if len(videos) != 2 || videos[0] != "lecture" {
		t.Errorf("videos = %v", videos)
	}

	// Unknown session answers an empty list, not an error.
	code, resp = do(t, s, http.MethodGet, "/api/sessions/ghost/videos/indexed", "")
	if code != http.StatusOK || len(resp["indexed_videos"].([]any)) != 0 {
		t.Errorf("ghost session = %d %v", code, resp)
	}
}

func TestUploadValidatesRequest(t *testing.T) {
	s, _, _ := newTestServer(t)

	code, resp := do(t, s, http.MethodPost, "/api/sessions/chat1/videos/upload", `{"video_paths":[]}`)
	if code != http.StatusBadRequest || resp["success"] != false {
		t.Errorf("empty paths = %d %v", code, resp)
	}

	code, resp = do(t, s, http.MethodPost, "/api/sessions/chat1/videos/upload",
		`{"video_paths":["/definitely/not/here.mp4"]}`)
	if code != http.StatusBadRequest {
		t.Errorf("missing file = %d %v", code, resp)
	}
	if msg, _ := resp["error"].(string); !strings.Contains(msg, "not found") {
		t.Errorf("error = %q", msg)
	}
}

func TestQueryValidatesRequest(t *testing.T) {
	s, _, _ := newTestServer(t)
	code, resp := do(t, s, http.MethodPost, "/api/sessions/chat1/query", `{"query":""}`)
	if code != http.StatusBadRequest || resp["success"] != false {
		t.Errorf("empty query = %d %v", code, resp)
	}
}

func TestTerminateEndpoint(t *testing.T) {
	s, status, _ := newTestServer(t)
	code, resp := do(t, s, http.MethodPost, "/api/sessions/chat1/terminate", "")
	if code != http.StatusOK || resp["success"] != true {
		t.Fatalf("terminate = %d %v", code, resp)
	}
	if ch := status.Channel("chat1", core.ChannelIndexing); ch["status"] != core.StatusTerminated {
		t.Errorf("status after terminate = %v", ch)
	}
}

func TestDeleteEndpoint(t *testing.T) {
	s, status, _ := newTestServer(t)
	status.Update("chat1", core.ChannelIndexing, core.StatusPatch{"status": core.StatusCompleted})

	code, resp := do(t, s, http.MethodDelete, "/api/sessions/chat1/delete", "")
	if code != http.StatusOK || resp["success"] != true {
		t.Fatalf("delete = %d %v", code, resp)
	}
	if ch := status.Channel("chat1", core.ChannelIndexing); ch != nil {
		t.Errorf("session survived delete: %v", ch)
	}
}

func TestEmbedderEndpoints(t *testing.T) {
	s, _, em := newTestServer(t)

	code, resp := do(t, s, http.MethodGet, "/api/imagebind/status", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d %v", code, resp)
	}
	st := resp["status"].(map[string]any)
	if st["initialized"] != false {
		t.Errorf("fresh embedder status = %v", st)
	}

	// Load before initialize is a conflict.
	code, _ = do(t, s, http.MethodPost, "/api/imagebind/load", "")
	if code != http.StatusConflict {
		t.Errorf("load unconfigured = %d", code)
	}

	em.Configure("/models/imagebind_huge.pth")
	code, resp = do(t, s, http.MethodPost, "/api/imagebind/load", "")
	if code != http.StatusOK {
		t.Fatalf("load = %d %v", code, resp)
	}

	code, resp = do(t, s, http.MethodPost, "/api/imagebind/encode/video", `{"video_batch":["a.mp4"]}`)
	if code != http.StatusOK {
		t.Fatalf("encode video = %d %v", code, resp)
	}
	if resp["result"] == "" || resp["shape"] == nil {
		t.Errorf("encode video response = %v", resp)
	}

	code, resp = do(t, s, http.MethodPost, "/api/imagebind/encode/query", `{"query":"hi"}`)
	if code != http.StatusOK {
		t.Fatalf("encode query = %d %v", code, resp)
	}

	code, _ = do(t, s, http.MethodPost, "/api/imagebind/encode/video", `{"video_batch":[]}`)
	if code != http.StatusBadRequest {
		t.Errorf("empty batch = %d", code)
	}

	code, resp = do(t, s, http.MethodPost, "/api/imagebind/release", "")
	if code != http.StatusOK {
		t.Fatalf("release = %d %v", code, resp)
	}
	if resp["status"].(map[string]any)["loaded"] != false {
		t.Errorf("status after release = %v", resp["status"])
	}
}

// Encode endpoints never load on demand: a configured-but-unloaded
// model answers "not loaded", and a release keeps the device memory
// free until the next explicit load.
func TestEncodeRequiresExplicitLoad(t *testing.T) {
	s, _, em := newTestServer(t)
	em.Configure("/models/imagebind_huge.pth")

	code, resp := do(t, s, http.MethodPost, "/api/imagebind/encode/video", `{"video_batch":["a.mp4"]}`)
	if code != http.StatusConflict || resp["success"] != false {
		t.Fatalf("encode before load = %d %v", code, resp)
	}
	if msg, _ := resp["error"].(string); !strings.Contains(msg, "not loaded") {
		t.Errorf("error = %q", msg)
	}
	if em.Status().Loaded {
		t.Fatal("encode loaded the model as a side effect")
	}

	if code, resp := do(t, s, http.MethodPost, "/api/imagebind/load", ""); code != http.StatusOK {
		t.Fatalf("load = %d %v", code, resp)
	}
	if code, resp := do(t, s, http.MethodPost, "/api/imagebind/release", ""); code != http.StatusOK {
		t.Fatalf("release = %d %v", code, resp)
	}

	code, resp = do(t, s, http.MethodPost, "/api/imagebind/encode/query", `{"query":"hi"}`)
	if code != http.StatusConflict || resp["success"] != false {
		t.Fatalf("encode after release = %d %v", code, resp)
	}
	if em.Status().Loaded {
		t.Fatal("released model came back without a load request")
	}
}

func TestInitializeEndpoint(t *testing.T) {
	s, _, em := newTestServer(t)

	code, resp := do(t, s, http.MethodPost, "/api/initialize",
		`{"image_bind_model_path":"/models/ib.pth"}`)
	if code != http.StatusOK || resp["success"] != true {
		t.Fatalf("initialize = %d %v", code, resp)
	}
	if st := em.Status(); !st.Initialized || st.ModelPath != "/models/ib.pth" {
		t.Errorf("embedder after initialize = %+v", st)
	}

	// Credentials cannot be wiped by a partial document.
	if s.Config().OpenAIAPIKey != "sk-a" {
		t.Errorf("merge wiped the API key: %+v", s.Config())
	}
}
