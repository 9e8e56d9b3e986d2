package processors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"videorag/config"
	"videorag/core"
	"videorag/embedder"
	"videorag/storage"
)

// ---------------- fakes ----------------

type fakeSegmenter struct {
	segments int
}

func (f *fakeSegmenter) SplitVideo(videoPath, cacheDir string, cfg *config.Config) (map[int]string, map[int]SegmentTimes, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, nil, err
	}
	names := map[int]string{}
	times := map[int]SegmentTimes{}
	for i := 0; i < f.segments; i++ {
		start := float64(i * cfg.SegmentLength)
		end := start + float64(cfg.SegmentLength)
		names[i] = segmentName(i, start, end)
		times[i] = SegmentTimes{
			Start:       start,
			End:         end,
			RoughFrames: sampleFrameTimes(start, end, cfg.RoughFrames),
			FineFrames:  sampleFrameTimes(start, end, cfg.FineFrames),
		}
	}
	return names, times, nil
}

func (f *fakeSegmenter) ExtractAudio(videoPath, cacheDir string, index int, times SegmentTimes, sampleRate int) (string, error) {
	p := filepath.Join(cacheDir, fmt.Sprintf("audio_%d.wav", index))
	return p, os.WriteFile(p, []byte("wav"), 0644)
}

func (f *fakeSegmenter) SaveSegmentClip(videoPath, cacheDir string, index int, times SegmentTimes) (string, error) {
	p := filepath.Join(cacheDir, fmt.Sprintf("clip_%d.mp4", index))
	return p, os.WriteFile(p, []byte("mp4"), 0644)
}

func (f *fakeSegmenter) ExtractFrames(videoPath, cacheDir string, index int, frameTimes []float64) ([]string, error) {
	return []string{filepath.Join(cacheDir, fmt.Sprintf("frame_%d_0.jpg", index))}, nil
}

type fakeTranscriber struct {
	mu      sync.Mutex
	failIdx map[int]error
	calls   int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	idx := indexFromPath(audioPath)
	if err, ok := f.failIdx[idx]; ok {
		return "", err
	}
	return fmt.Sprintf("transcript of segment %d", idx), nil
}

type fakeCaptioner struct {
	failIdx map[int]error
}

func (f *fakeCaptioner) Caption(ctx context.Context, framePaths []string, transcript string) (string, error) {
	idx := indexFromPath(framePaths[0])
	if err, ok := f.failIdx[idx]; ok {
		return "", err
	}
	return fmt.Sprintf("caption of segment %d", idx), nil
}

func indexFromPath(p string) int {
	base := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
	parts := strings.Split(base, "_")
	var idx int
	fmt.Sscanf(parts[1], "%d", &idx)
	return idx
}

type fakeCompleter struct {
	answer string
}

func (f *fakeCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	if f.answer != "" {
		return f.answer, nil
	}
	return `("entity"|Alice|person|the speaker)
("entity"|Go|concept|a programming language)
("relationship"|Alice|Go|talks about Go)`, nil
}

type fakeTextEmbedder struct {
	dim int
}

func (f *fakeTextEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, f.dim)
		for j := range v {
			v[j] = float32((len(text)+i+j)%7) + 1
		}
		out[i] = v
	}
	return out, nil
}

type fakeEncoder struct {
	dim    int
	status embedder.Status
}

func (f *fakeEncoder) Status() (embedder.Status, error) { return f.status, nil }

func (f *fakeEncoder) EncodeVideoBatch(clipPaths []string) ([][]float32, error) {
	out := make([][]float32, len(clipPaths))
	for i := range out {
		v := make([]float32, f.dim)
		v[0] = float32(i + 1)
		out[i] = v
	}
	return out, nil
}

func (f *fakeEncoder) EncodeQuery(query string) ([]float32, error) {
	v := make([]float32, f.dim)
	v[0] = 1
	return v, nil
}

// whitespace tokenizer standing in for the BPE vocabulary
type fakeTokenizer struct {
	words []string
}

func (f *fakeTokenizer) Encode(text string, _, _ []string) []int {
	f.words = strings.Fields(text)
	out := make([]int, len(f.words))
	for i := range out {
		out[i] = i
	}
	return out
}

func (f *fakeTokenizer) Decode(tokens []int) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = f.words[t]
	}
	return strings.Join(parts, " ")
}

func useFakeTokenizer(t *testing.T) {
	t.Helper()
	prev := newTokenizer
	newTokenizer = func() (tokenizer, error) { return &fakeTokenizer{}, nil }
	t.Cleanup(func() { newTokenizer = prev })
}

// ---------------- helpers ----------------

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromJSON([]byte(`{}`))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.BaseStoragePath = t.TempDir()
	cfg.SegmentLength = 30
	cfg.EmbeddingDim = 4
	cfg.VideoEmbeddingDim = 4
	cfg.VideoEmbeddingBatch = 2
	cfg.ChunkTokenSize = 50
	return cfg
}

func testPipeline(t *testing.T, cfg *config.Config, segments int) (*IndexPipeline, *fakeTranscriber, *fakeCaptioner) {
	t.Helper()
	asr := &fakeTranscriber{failIdx: map[int]error{}}
	capt := &fakeCaptioner{failIdx: map[int]error{}}
	return &IndexPipeline{
		Cfg:          cfg,
		Status:       core.NewStatusStore(cfg.BaseStoragePath),
		Segmenter:    &fakeSegmenter{segments: segments},
		Transcriber:  asr,
		Captioner:    capt,
		Completer:    &fakeCompleter{},
		TextEmbedder: &fakeTextEmbedder{dim: cfg.EmbeddingDim},
		Encoder:      &fakeEncoder{dim: cfg.VideoEmbeddingDim, status: embedder.Status{Initialized: true, Loaded: true}},
	}, asr, capt
}

func writeVideo(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("video bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

// ---------------- tests ----------------

func TestIndexPipelineHappyPath(t *testing.T) {
	useFakeTokenizer(t)
	cfg := testConfig(t)
	p, _, _ := testPipeline(t, cfg, 3)
	video := writeVideo(t, "lecture.mp4")

	if err := p.Run(context.Background(), "chat1", []string{video}); err != nil {
		t.Fatalf("run: %v", err)
	}

	ch := p.Status.Channel("chat1", core.ChannelIndexing)
	if ch["status"] != core.StatusCompleted {
		t.Fatalf("status = %v, message = %v", ch["status"], ch["message"])
	}
	if got := p.Status.IndexedVideos("chat1"); len(got) != 1 || got[0] != "lecture" {
		t.Errorf("indexed videos = %v", got)
	}

	sessionDir := cfg.SessionDir("chat1")
	segKV, err := storage.OpenJSONKV[core.VideoSegments](sessionDir, nsVideoSegments)
	if err != nil {
		t.Fatalf("open segments: %v", err)
	}
	segments, ok := segKV.Get("lecture")
	if !ok || len(segments) != 3 {
		t.Fatalf("segments = %v", segments)
	}
	seg0 := segments["0"]
	if seg0.Time != "0-30" {
		t.Errorf("segment 0 time = %q", seg0.Time)
	}
	wantContent := "Caption:\ncaption of segment 0\nTranscript:\ntranscript of segment 0\n\n"
	if seg0.Content != wantContent {
		t.Errorf("segment 0 content = %q", seg0.Content)
	}

	// Segment features are retrievable.
	idx := storage.OpenVectorIndex(sessionDir, "chat1", idxSegmentFeatures, cfg.VideoEmbeddingDim)
	hits, err := idx.Query([]float32{1, 0, 0, 0}, 4)
	if err != nil || len(hits) != 3 {
		t.Fatalf("feature hits = %v, err = %v", hits, err)
	}

	// Scratch cache is gone after a successful run.
	if _, err := os.Stat(cfg.CacheDir("chat1", "lecture")); !os.IsNotExist(err) {
		t.Error("cache dir survived the pipeline")
	}
}

// One caption failure degrades that segment to an empty caption; the
// video still completes and is listed as indexed.
func TestIndexPipelineDegradesOnCaptionFailure(t *testing.T) {
	useFakeTokenizer(t)
	cfg := testConfig(t)
	p, _, capt := testPipeline(t, cfg, 3)
	capt.failIdx[1] = errors.New("vision model overloaded")
	video := writeVideo(t, "lecture.mp4")

	if err := p.Run(context.Background(), "chat1", []string{video}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ch := p.Status.Channel("chat1", core.ChannelIndexing); ch["status"] != core.StatusCompleted {
		t.Fatalf("status = %v", ch["status"])
	}

	segKV, _ := storage.OpenJSONKV[core.VideoSegments](cfg.SessionDir("chat1"), nsVideoSegments)
	segments, _ := segKV.Get("lecture")
	if segments["1"].Caption != "" {
		t.Errorf("failed segment caption = %q, want empty", segments["1"].Caption)
	}
	if segments["0"].Caption == "" || segments["2"].Caption == "" {
		t.Error("sibling segments must keep their captions")
	}
	if got := p.Status.IndexedVideos("chat1"); len(got) != 1 {
		t.Errorf("indexed videos = %v", got)
	}
}

func TestIndexPipelineDegradesOnTranscriptFailure(t *testing.T) {
	useFakeTokenizer(t)
	cfg := testConfig(t)
	p, asr, _ := testPipeline(t, cfg, 3)
	asr.failIdx[2] = errors.New("asr timeout")
	video := writeVideo(t, "talk.mp4")

	if err := p.Run(context.Background(), "chat1", []string{video}); err != nil {
		t.Fatalf("run: %v", err)
	}
	segKV, _ := storage.OpenJSONKV[core.VideoSegments](cfg.SessionDir("chat1"), nsVideoSegments)
	segments, _ := segKV.Get("talk")
	if segments["2"].Transcript != "" {
		t.Errorf("failed segment transcript = %q, want empty", segments["2"].Transcript)
	}
	if segments["0"].Transcript == "" {
		t.Error("sibling segment lost its transcript")
	}
}

// A credential failure is not a per-segment condition: the run aborts
// with an error status.
func TestIndexPipelineAbortsOnConfigError(t *testing.T) {
	useFakeTokenizer(t)
	cfg := testConfig(t)
	p, asr, _ := testPipeline(t, cfg, 3)
	asr.failIdx[0] = fmt.Errorf("%w: rejected API key", ErrConfig)
	video := writeVideo(t, "lecture.mp4")

	err := p.Run(context.Background(), "chat1", []string{video})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("run error = %v, want ErrConfig", err)
	}
	ch := p.Status.Channel("chat1", core.ChannelIndexing)
	if ch["status"] != core.StatusError {
		t.Errorf("status = %v, want error", ch["status"])
	}
	if got := p.Status.IndexedVideos("chat1"); len(got) != 0 {
		t.Errorf("indexed videos after abort = %v", got)
	}
}

func TestIndexPipelineSkipsAlreadyIndexedVideo(t *testing.T) {
	useFakeTokenizer(t)
	cfg := testConfig(t)
	p, asr, _ := testPipeline(t, cfg, 2)
	video := writeVideo(t, "lecture.mp4")

	if err := p.Run(context.Background(), "chat1", []string{video}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstCalls := asr.calls

	if err := p.Run(context.Background(), "chat1", []string{video}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if asr.calls != firstCalls {
		t.Errorf("re-run transcribed again: %d calls, want %d", asr.calls, firstCalls)
	}
	if got := p.Status.IndexedVideos("chat1"); len(got) != 1 {
		t.Errorf("indexed videos = %v, duplicates recorded", got)
	}
}

func TestIndexPipelineRequiresModelService(t *testing.T) {
	cfg := testConfig(t)
	p, _, _ := testPipeline(t, cfg, 2)
	p.Encoder = &fakeEncoder{dim: cfg.VideoEmbeddingDim, status: embedder.Status{Initialized: false}}
	video := writeVideo(t, "lecture.mp4")

	if err := p.Run(context.Background(), "chat1", []string{video}); err == nil {
		t.Fatal("run without a configured model service should fail")
	}
	if ch := p.Status.Channel("chat1", core.ChannelIndexing); ch["status"] != core.StatusError {
		t.Errorf("status = %v", ch["status"])
	}
}

// A configured model that was never loaded (or was released) must fail
// the run up front instead of encoding against an empty device.
func TestIndexPipelineRequiresLoadedModel(t *testing.T) {
	cfg := testConfig(t)
	p, asr, _ := testPipeline(t, cfg, 2)
	p.Encoder = &fakeEncoder{dim: cfg.VideoEmbeddingDim, status: embedder.Status{Initialized: true, Loaded: false}}
	video := writeVideo(t, "lecture.mp4")

	err := p.Run(context.Background(), "chat1", []string{video})
	if err == nil {
		t.Fatal("run with an unloaded model should fail")
	}
	if !strings.Contains(err.Error(), "not loaded") {
		t.Errorf("error = %v, want a not-loaded error", err)
	}
	if ch := p.Status.Channel("chat1", core.ChannelIndexing); ch["status"] != core.StatusError {
		t.Errorf("status = %v", ch["status"])
	}
	if asr.calls != 0 {
		t.Errorf("segments were processed despite the failed precondition: %d calls", asr.calls)
	}
}

func TestIndexPipelineMissingVideoFile(t *testing.T) {
	cfg := testConfig(t)
	p, _, _ := testPipeline(t, cfg, 2)

	err := p.Run(context.Background(), "chat1", []string{"/does/not/exist.mp4"})
	if err == nil {
		t.Fatal("run with a missing file should fail")
	}
	if ch := p.Status.Channel("chat1", core.ChannelIndexing); ch["status"] != core.StatusError {
		t.Errorf("status = %v", ch["status"])
	}
}

func TestQueryPipelineAnswersFromIndexedSession(t *testing.T) {
	useFakeTokenizer(t)
	cfg := testConfig(t)
	p, _, _ := testPipeline(t, cfg, 3)
	video := writeVideo(t, "lecture.mp4")
	if err := p.Run(context.Background(), "chat1", []string{video}); err != nil {
		t.Fatalf("index: %v", err)
	}

	q := &QueryPipeline{
		Cfg:          cfg,
		Status:       p.Status,
		Completer:    &fakeCompleter{answer: "Alice talks about Go."},
		TextEmbedder: &fakeTextEmbedder{dim: cfg.EmbeddingDim},
		Encoder:      p.Encoder,
	}
	if err := q.Run(context.Background(), "chat1", "what is discussed?"); err != nil {
		t.Fatalf("query: %v", err)
	}

	ch := p.Status.Channel("chat1", core.ChannelQuery)
	if ch["status"] != core.StatusCompleted {
		t.Fatalf("query status = %v, message = %v", ch["status"], ch["message"])
	}
	if ch["answer"] != "Alice talks about Go." {
		t.Errorf("answer = %v", ch["answer"])
	}
	// The indexing channel is untouched by a query.
	if got := p.Status.Channel("chat1", core.ChannelIndexing)["status"]; got != core.StatusCompleted {
		t.Errorf("indexing status disturbed: %v", got)
	}
}

func TestQueryPipelineFailsFastWithoutIndex(t *testing.T) {
	cfg := testConfig(t)
	q := &QueryPipeline{
		Cfg:          cfg,
		Status:       core.NewStatusStore(cfg.BaseStoragePath),
		Completer:    &fakeCompleter{},
		TextEmbedder: &fakeTextEmbedder{dim: cfg.EmbeddingDim},
		Encoder:      &fakeEncoder{dim: cfg.VideoEmbeddingDim, status: embedder.Status{Initialized: true, Loaded: true}},
	}

	err := q.Run(context.Background(), "never-indexed", "anything?")
	if err == nil {
		t.Fatal("query on a never-indexed session should fail")
	}
	ch := q.Status.Channel("never-indexed", core.ChannelQuery)
	if ch["status"] != core.StatusError {
		t.Errorf("query status = %v", ch["status"])
	}
}

func TestQueryPipelineRequiresLoadedModel(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.SessionDir("chat1"), 0755); err != nil {
		t.Fatal(err)
	}
	q := &QueryPipeline{
		Cfg:          cfg,
		Status:       core.NewStatusStore(cfg.BaseStoragePath),
		Completer:    &fakeCompleter{},
		TextEmbedder: &fakeTextEmbedder{dim: cfg.EmbeddingDim},
		Encoder:      &fakeEncoder{dim: cfg.VideoEmbeddingDim, status: embedder.Status{Initialized: true, Loaded: false}},
	}

	err := q.Run(context.Background(), "chat1", "anything?")
	if err == nil {
		t.Fatal("query with an unloaded model should fail")
	}
	if !strings.Contains(err.Error(), "not loaded") {
		t.Errorf("error = %v, want a not-loaded error", err)
	}
	if ch := q.Status.Channel("chat1", core.ChannelQuery); ch["status"] != core.StatusError {
		t.Errorf("query status = %v", ch["status"])
	}
}

// Answer generation runs on the analysis model; the cheaper processing
// model is for indexing and entity extraction only.
func TestQueryCompleterUsesAnalysisModel(t *testing.T) {
	cfg := testConfig(t)
	cfg.OpenAIAPIKey = "sk-test"
	cfg.AnalysisModel = "deep-model"
	cfg.ProcessingModel = "cheap-model"

	q, err := NewQueryPipeline(cfg, core.NewStatusStore(cfg.BaseStoragePath), "http://127.0.0.1:1", nil)
	if err != nil {
		t.Fatalf("query pipeline: %v", err)
	}
	qc, ok := q.Completer.(*OpenAICompleter)
	if !ok {
		t.Fatalf("completer type = %T", q.Completer)
	}
	if qc.model != "deep-model" {
		t.Errorf("query completer model = %q, want the analysis model", qc.model)
	}

	ic, err := NewCompleter(cfg, cfg.ProcessingModel, nil)
	if err != nil {
		t.Fatalf("completer: %v", err)
	}
	if ic.model != "cheap-model" {
		t.Errorf("indexing completer model = %q, want the processing model", ic.model)
	}
}

func TestFormatTimeRange(t *testing.T) {
	cases := map[string]string{
		"0-30":    "00:00-00:30",
		"90-120":  "01:30-02:00",
		"600-630": "10:00-10:30",
		"oddball": "oddball",
		"12-":     "12-",
	}
	for in, want := range cases {
		if got := formatTimeRange(in); got != want {
			t.Errorf("formatTimeRange(%q) = %q, want %q", in, got, want)
		}
	}
}
