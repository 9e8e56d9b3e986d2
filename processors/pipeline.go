package processors

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"videorag/config"
	"videorag/core"
	"videorag/embedder"
	"videorag/storage"
)

// KV namespace names under the session directory.
const (
	nsVideoPaths    = "video_path"
	nsVideoSegments = "video_segments"
	nsTextChunks    = "text_chunks"
	nsLLMCache      = "llm_response_cache"
)

// Vector index namespaces.
const (
	idxSegmentFeatures = "video_segment_feature"
	idxTextChunks      = "chunks"
	idxEntities        = "entities"
)

// SegmentEncoder is the shared model service as the pipelines see it.
// *embedder.Client satisfies it.
type SegmentEncoder interface {
	Status() (embedder.Status, error)
	EncodeVideoBatch(clipPaths []string) ([][]float32, error)
	EncodeQuery(query string) ([]float32, error)
}

// IndexPipeline wires the capabilities an indexing worker needs. Each
// capability is an interface so tests run the pipeline against fakes.
type IndexPipeline struct {
	Cfg          *config.Config
	Status       *core.StatusStore
	Segmenter    Segmenter
	Transcriber  Transcriber
	Captioner    Captioner
	Completer    Completer
	TextEmbedder TextEmbedder
	Encoder      SegmentEncoder

	// OpenIndex lets tests substitute in-memory vector indexes. Nil
	// means storage.OpenVectorIndex.
	OpenIndex func(sessionDir, sessionID, namespace string, dim int) storage.VectorIndex
}

// NewIndexPipeline builds the production pipeline for a worker process.
func NewIndexPipeline(cfg *config.Config, status *core.StatusStore, serverURL string, llmCache *storage.JSONKV[string]) (*IndexPipeline, error) {
	seg, err := NewSegmenter()
	if err != nil {
		return nil, err
	}
	asr, err := NewTranscriber(cfg)
	if err != nil {
		return nil, err
	}
	captioner, err := NewCaptioner(cfg)
	if err != nil {
		return nil, err
	}
	completer, err := NewCompleter(cfg, cfg.ProcessingModel, llmCache)
	if err != nil {
		return nil, err
	}
	textEmb, err := NewTextEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	return &IndexPipeline{
		Cfg:          cfg,
		Status:       status,
		Segmenter:    seg,
		Transcriber:  asr,
		Captioner:    captioner,
		Completer:    completer,
		TextEmbedder: textEmb,
		Encoder:      embedder.NewClient(serverURL),
	}, nil
}

func (p *IndexPipeline) openIndex(sessionDir, sessionID, namespace string, dim int) storage.VectorIndex {
	if p.OpenIndex != nil {
		return p.OpenIndex(sessionDir, sessionID, namespace, dim)
	}
	return storage.OpenVectorIndex(sessionDir, sessionID, namespace, dim)
}

func (p *IndexPipeline) setStage(chatID, message string, extra core.StatusPatch) {
	patch := core.StatusPatch{
		"status":  core.StatusProcessing,
		"message": message,
	}
	for k, v := range extra {
		patch[k] = v
	}
	if err := p.Status.Update(chatID, core.ChannelIndexing, patch); err != nil {
		log.Printf("Warning: status update failed for %s: %v", chatID, err)
	}
}

// Run executes the indexing pipeline for a session. Per-segment failures
// in speech recognition and captioning degrade to empty text; failures
// that poison every call (bad credentials, unreachable model service,
// unreadable video) abort and land in the error status.
func (p *IndexPipeline) Run(ctx context.Context, chatID string, videoPaths []string) error {
	if err := p.run(ctx, chatID, videoPaths); err != nil {
		p.Status.Update(chatID, core.ChannelIndexing, core.StatusPatch{
			"status":  core.StatusError,
			"message": err.Error(),
		})
		return err
	}
	return p.Status.Update(chatID, core.ChannelIndexing, core.StatusPatch{
		"status":  core.StatusCompleted,
		"message": "All Videos Indexed",
	})
}

func (p *IndexPipeline) run(ctx context.Context, chatID string, videoPaths []string) error {
	st, err := p.Encoder.Status()
	if err != nil {
		return fmt.Errorf("shared model service unreachable: %w", err)
	}
	if !st.Initialized {
		return fmt.Errorf("shared model service has no model configured")
	}
	if !st.Loaded {
		return fmt.Errorf("shared model service model is not loaded")
	}

	sessionDir := p.Cfg.SessionDir(chatID)
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return err
	}

	pathsKV, err := storage.OpenJSONKV[string](sessionDir, nsVideoPaths)
	if err != nil {
		return err
	}
	segmentsKV, err := storage.OpenJSONKV[core.VideoSegments](sessionDir, nsVideoSegments)
	if err != nil {
		return err
	}
	chunksKV, err := storage.OpenJSONKV[Chunk](sessionDir, nsTextChunks)
	if err != nil {
		return err
	}

	featureIndex := p.openIndex(sessionDir, chatID, idxSegmentFeatures, p.Cfg.VideoEmbeddingDim)
	defer featureIndex.Close()

	processed := 0
	var indexedThisRun []string
	for _, videoPath := range videoPaths {
		videoName := core.VideoNameFromPath(videoPath)
		if segmentsKV.Has(videoName) {
			log.Printf("Video %s already indexed for session %s, skipping", videoName, chatID)
			p.Status.AppendIndexedVideo(chatID, videoName)
			processed++
			p.setStage(chatID, "One Video Completed", core.StatusPatch{"processed_videos": processed})
			continue
		}
		if _, err := os.Stat(videoPath); err != nil {
			return fmt.Errorf("video file %s: %w", videoPath, err)
		}

		if err := p.indexOneVideo(ctx, chatID, sessionDir, videoPath, videoName, pathsKV, segmentsKV, featureIndex); err != nil {
			return err
		}
		indexedThisRun = append(indexedThisRun, videoName)
		processed++
		p.Status.AppendIndexedVideo(chatID, videoName)
		p.setStage(chatID, "One Video Completed", core.StatusPatch{"processed_videos": processed})
	}

	if len(indexedThisRun) > 0 {
		p.setStage(chatID, "Creating Knowledge Graph", nil)
		if err := p.buildKnowledgeGraph(ctx, chatID, sessionDir, indexedThisRun, segmentsKV, chunksKV); err != nil {
			return err
		}
	}
	return nil
}

func (p *IndexPipeline) indexOneVideo(ctx context.Context, chatID, sessionDir, videoPath, videoName string,
	pathsKV *storage.JSONKV[string], segmentsKV *storage.JSONKV[core.VideoSegments], featureIndex storage.VectorIndex) error {

	cacheDir := p.Cfg.CacheDir(chatID, videoName)

	p.setStage(chatID, "Video Splitting", core.StatusPatch{"current_video": videoName})
	_, times, err := p.Segmenter.SplitVideo(videoPath, cacheDir, p.Cfg)
	if err != nil {
		return fmt.Errorf("split %s: %w", videoName, err)
	}
	n := len(times)

	// Speech recognition: bounded fan-out, one transcript per segment.
	// A failed segment keeps an empty transcript.
	p.setStage(chatID, "Audio Processing", nil)
	transcripts := make([]string, n)
	asrResults := core.ForEachLimit(ctx, n, p.Cfg.ASRMaxConcurrent, func(ctx context.Context, i int) (string, error) {
		audioPath, err := p.Segmenter.ExtractAudio(videoPath, cacheDir, i, times[i], p.Cfg.AudioSampleRate)
		if err != nil {
			return "", err
		}
		return p.Transcriber.Transcribe(ctx, audioPath)
	})
	done := 0
	for res := range asrResults {
		done++
		if res.Err != nil {
			if errors.Is(res.Err, ErrConfig) {
				return res.Err
			}
			log.Printf("Warning: transcription failed for %s segment %d: %v", videoName, res.Index, res.Err)
		} else {
			transcripts[res.Index] = res.Value
		}
		log.Printf("Audio Processing %s: %d/%d (%d%%)", videoName, done, n, done*100/n)
	}

	// Visual analysis: cut a clip and caption rough frames per segment.
	// A failed caption degrades to empty text, the clip must succeed
	// because feature encoding needs it.
	p.setStage(chatID, "Visual Analyzing", nil)
	type visual struct {
		clip    string
		caption string
	}
	visuals := make([]visual, n)
	visResults := core.ForEachLimit(ctx, n, p.Cfg.CaptionMaxConcurrent, func(ctx context.Context, i int) (visual, error) {
		clip, err := p.Segmenter.SaveSegmentClip(videoPath, cacheDir, i, times[i])
		if err != nil {
			return visual{}, err
		}
		frames, err := p.Segmenter.ExtractFrames(videoPath, cacheDir, i, times[i].RoughFrames)
		if err != nil {
			return visual{clip: clip}, err
		}
		caption, err := p.Captioner.Caption(ctx, frames, transcripts[i])
		if err != nil {
			return visual{clip: clip}, err
		}
		return visual{clip: clip, caption: caption}, nil
	})
	done = 0
	for res := range visResults {
		done++
		if res.Err != nil {
			if errors.Is(res.Err, ErrConfig) {
				return res.Err
			}
			if res.Value.clip == "" {
				return fmt.Errorf("prepare clip for %s segment %d: %w", videoName, res.Index, res.Err)
			}
			log.Printf("Warning: captioning failed for %s segment %d: %v", videoName, res.Index, res.Err)
		}
		visuals[res.Index] = res.Value
		log.Printf("Visual Analyzing %s: %d/%d (%d%%)", videoName, done, n, done*100/n)
	}

	// Merge per-segment results into the immutable segment records.
	segments := core.VideoSegments{}
	for i := 0; i < n; i++ {
		t := times[i]
		segments[strconv.Itoa(i)] = core.Segment{
			Time:       fmt.Sprintf("%d-%d", int(t.Start), int(t.End)),
			Transcript: transcripts[i],
			Caption:    visuals[i].caption,
			Content:    fmt.Sprintf("Caption:\n%s\nTranscript:\n%s\n\n", visuals[i].caption, transcripts[i]),
			FrameTimes: t.FineFrames,
		}
	}

	// Feature encoding through the shared model service, in small
	// batches to bound device memory.
	p.setStage(chatID, "Feature Encoding", nil)
	batch := p.Cfg.VideoEmbeddingBatch
	if batch <= 0 {
		batch = 2
	}
	for start := 0; start < n; start += batch {
		end := start + batch
		if end > n {
			end = n
		}
		clips := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			clips = append(clips, visuals[i].clip)
		}
		vectors, err := p.Encoder.EncodeVideoBatch(clips)
		if err != nil {
			return fmt.Errorf("encode segments of %s: %w", videoName, err)
		}
		if len(vectors) != len(clips) {
			return fmt.Errorf("encode segments of %s: got %d vectors for %d clips", videoName, len(vectors), len(clips))
		}
		for j, vec := range vectors {
			i := start + j
			id := fmt.Sprintf("%s_%d", videoName, i)
			err := featureIndex.Upsert(id, vec, map[string]string{
				"video":   videoName,
				"segment": strconv.Itoa(i),
				"time":    segments[strconv.Itoa(i)].Time,
			})
			if err != nil {
				return err
			}
		}
		log.Printf("Feature Encoding %s: %d/%d segments", videoName, end, n)
	}

	if err := os.RemoveAll(cacheDir); err != nil {
		log.Printf("Warning: could not remove cache dir %s: %v", cacheDir, err)
	}

	p.setStage(chatID, "Saving Video Information", nil)
	pathsKV.Upsert(map[string]string{videoName: absPath(videoPath)})
	segmentsKV.Upsert(map[string]core.VideoSegments{videoName: segments})
	if err := pathsKV.Flush(); err != nil {
		return err
	}
	if err := segmentsKV.Flush(); err != nil {
		return err
	}
	return featureIndex.Flush()
}

// buildKnowledgeGraph chunks the freshly indexed videos, skips chunks
// already committed in earlier runs, and extracts entities into the
// session graph and entity index.
func (p *IndexPipeline) buildKnowledgeGraph(ctx context.Context, chatID, sessionDir string, videoNames []string,
	segmentsKV *storage.JSONKV[core.VideoSegments], chunksKV *storage.JSONKV[Chunk]) error {

	newChunks := map[string]Chunk{}
	for _, name := range videoNames {
		segments, ok := segmentsKV.Get(name)
		if !ok {
			continue
		}
		chunks, err := ChunkVideoSegments(name, segments, p.Cfg)
		if err != nil {
			return err
		}
		for id, c := range chunks {
			newChunks[id] = c
		}
	}

	missing := chunksKV.FilterKeys(keysOf(newChunks))
	if len(missing) == 0 {
		log.Printf("Knowledge graph: no new chunks for session %s", chatID)
		return nil
	}
	pending := make(map[string]Chunk, len(missing))
	for _, id := range missing {
		pending[id] = newChunks[id]
	}

	chunkIndex := p.openIndex(sessionDir, chatID, idxTextChunks, p.Cfg.EmbeddingDim)
	defer chunkIndex.Close()
	entityIndex := p.openIndex(sessionDir, chatID, idxEntities, p.Cfg.EmbeddingDim)
	defer entityIndex.Close()

	ids := keysOf(pending)
	texts := make([]string, len(ids))
	for i, id := range ids {
		texts[i] = pending[id].Content
	}
	vectors, err := p.TextEmbedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	for i, id := range ids {
		err := chunkIndex.Upsert(id, vectors[i], map[string]string{
			"video": pending[id].VideoName,
		})
		if err != nil {
			return err
		}
	}

	graph, err := storage.OpenGraph(sessionDir)
	if err != nil {
		return err
	}
	builder := NewGraphBuilder(p.Completer, p.TextEmbedder, graph, entityIndex)
	if err := builder.BuildFromChunks(ctx, pending); err != nil {
		return err
	}

	chunksKV.Upsert(pending)
	if err := chunksKV.Flush(); err != nil {
		return err
	}
	if err := chunkIndex.Flush(); err != nil {
		return err
	}
	return entityIndex.Flush()
}

func keysOf[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func absPath(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}
