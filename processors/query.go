package processors

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"videorag/config"
	"videorag/core"
	"videorag/embedder"
	"videorag/storage"
)

// QueryPipeline answers a question over a session's indexed videos. It
// retrieves supporting text chunks, expands entity context through the
// knowledge graph, retrieves the most similar video segments through
// the shared model service, and asks the analysis model for the answer.
type QueryPipeline struct {
	Cfg          *config.Config
	Status       *core.StatusStore
	Completer    Completer
	TextEmbedder TextEmbedder
	Encoder      SegmentEncoder

	OpenIndex func(sessionDir, sessionID, namespace string, dim int) storage.VectorIndex
}

func NewQueryPipeline(cfg *config.Config, status *core.StatusStore, serverURL string, llmCache *storage.JSONKV[string]) (*QueryPipeline, error) {
	completer, err := NewCompleter(cfg, cfg.AnalysisModel, llmCache)
	if err != nil {
		return nil, err
	}
	textEmb, err := NewTextEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	return &QueryPipeline{
		Cfg:          cfg,
		Status:       status,
		Completer:    completer,
		TextEmbedder: textEmb,
		Encoder:      embedder.NewClient(serverURL),
	}, nil
}

func (q *QueryPipeline) openIndex(sessionDir, sessionID, namespace string, dim int) storage.VectorIndex {
	if q.OpenIndex != nil {
		return q.OpenIndex(sessionDir, sessionID, namespace, dim)
	}
	return storage.OpenVectorIndex(sessionDir, sessionID, namespace, dim)
}

const answerPrompt = `Answer the question using the retrieved video knowledge below. Cite the video name and time range when the answer comes from a specific segment. If the knowledge does not contain the answer, say so.

---Retrieved text chunks---
%s

---Related entities---
%s

---Retrieved video segments---
%s

---Question---
%s`

// Run executes one query and writes the result into the session's query
// status channel.
func (q *QueryPipeline) Run(ctx context.Context, chatID, query string) error {
	answer, err := q.run(ctx, chatID, query)
	if err != nil {
		q.Status.Update(chatID, core.ChannelQuery, core.StatusPatch{
			"status":  core.StatusError,
			"message": err.Error(),
			"query":   query,
		})
		return err
	}
	return q.Status.Update(chatID, core.ChannelQuery, core.StatusPatch{
		"status":  core.StatusCompleted,
		"message": "Query Completed",
		"query":   query,
		"answer":  answer,
	})
}

func (q *QueryPipeline) run(ctx context.Context, chatID, query string) (string, error) {
	sessionDir := q.Cfg.SessionDir(chatID)
	if _, err := os.Stat(sessionDir); err != nil {
		return "", fmt.Errorf("session %s has no indexed videos", chatID)
	}

	st, err := q.Encoder.Status()
	if err != nil {
		return "", fmt.Errorf("shared model service unreachable: %w", err)
	}
	if !st.Initialized {
		return "", fmt.Errorf("shared model service has no model configured")
	}
	if !st.Loaded {
		return "", fmt.Errorf("shared model service model is not loaded")
	}

	q.Status.Update(chatID, core.ChannelQuery, core.StatusPatch{
		"status":  core.StatusProcessing,
		"message": "Retrieving Knowledge",
		"query":   query,
	})

	segmentsKV, err := storage.OpenJSONKV[core.VideoSegments](sessionDir, nsVideoSegments)
	if err != nil {
		return "", err
	}
	chunksKV, err := storage.OpenJSONKV[Chunk](sessionDir, nsTextChunks)
	if err != nil {
		return "", err
	}
	if segmentsKV.Len() == 0 {
		return "", fmt.Errorf("session %s has no indexed videos", chatID)
	}

	chunkText, err := q.retrieveChunks(ctx, sessionDir, chatID, query, chunksKV)
	if err != nil {
		return "", err
	}
	entityText := q.retrieveEntities(ctx, sessionDir, chatID, query)
	segmentText, err := q.retrieveSegments(sessionDir, chatID, query, segmentsKV)
	if err != nil {
		return "", err
	}

	q.Status.Update(chatID, core.ChannelQuery, core.StatusPatch{
		"status":  core.StatusProcessing,
		"message": "Generating Answer",
	})
	answer, err := q.Completer.Complete(ctx, "", fmt.Sprintf(answerPrompt, chunkText, entityText, segmentText, query))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

// retrieveChunks embeds the query and pulls the top text chunks.
func (q *QueryPipeline) retrieveChunks(ctx context.Context, sessionDir, chatID, query string, chunksKV *storage.JSONKV[Chunk]) (string, error) {
	vectors, err := q.TextEmbedder.Embed(ctx, []string{query})
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}
	chunkIndex := q.openIndex(sessionDir, chatID, idxTextChunks, q.Cfg.EmbeddingDim)
	defer chunkIndex.Close()

	hits, err := chunkIndex.Query(vectors[0], q.Cfg.TopKChunks)
	if err != nil {
		return "", fmt.Errorf("query chunk index: %w", err)
	}
	var sb strings.Builder
	for _, hit := range hits {
		chunk, ok := chunksKV.Get(hit.ID)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", chunk.VideoName, chunk.Content)
	}
	if sb.Len() == 0 {
		return "(none)", nil
	}
	return sb.String(), nil
}

// retrieveEntities finds entities near the query and expands one hop
// through the graph. Entity retrieval is best-effort: a session indexed
// before graph construction finished still answers from chunks and
// segments.
func (q *QueryPipeline) retrieveEntities(ctx context.Context, sessionDir, chatID, query string) string {
	graph, err := storage.OpenGraph(sessionDir)
	if err != nil || graph.NodeCount() == 0 {
		return "(none)"
	}
	vectors, err := q.TextEmbedder.Embed(ctx, []string{query})
	if err != nil {
		log.Printf("Warning: entity retrieval skipped: %v", err)
		return "(none)"
	}
	entityIndex := q.openIndex(sessionDir, chatID, idxEntities, q.Cfg.EmbeddingDim)
	defer entityIndex.Close()

	hits, err := entityIndex.Query(vectors[0], q.Cfg.TopKChunks*2)
	if err != nil {
		log.Printf("Warning: entity retrieval skipped: %v", err)
		return "(none)"
	}

	seen := map[string]bool{}
	var sb strings.Builder
	describe := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		node, ok := graph.Node(name)
		if !ok {
			return
		}
		fmt.Fprintf(&sb, "%s (%s, degree %d): %s\n", node.Name, node.Type, graph.NodeDegree(name), node.Description)
	}
	for _, hit := range hits {
		name := hit.Metadata["entity_name"]
		if name == "" {
			continue
		}
		describe(name)
		for _, neighbor := range graph.Neighbors(name) {
			describe(neighbor)
		}
	}
	if sb.Len() == 0 {
		return "(none)"
	}
	return sb.String()
}

// retrieveSegments embeds the query through the shared model service and
// pulls the most similar video segments with their merged content.
func (q *QueryPipeline) retrieveSegments(sessionDir, chatID, query string, segmentsKV *storage.JSONKV[core.VideoSegments]) (string, error) {
	queryVec, err := q.Encoder.EncodeQuery(query)
	if err != nil {
		return "", fmt.Errorf("encode query: %w", err)
	}
	featureIndex := q.openIndex(sessionDir, chatID, idxSegmentFeatures, q.Cfg.VideoEmbeddingDim)
	defer featureIndex.Close()

	hits, err := featureIndex.Query(queryVec, q.Cfg.TopKSegments)
	if err != nil {
		return "", fmt.Errorf("query segment index: %w", err)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	var sb strings.Builder
	for _, hit := range hits {
		videoName, segIdx, ok := splitSegmentID(hit.ID)
		if !ok {
			continue
		}
		segments, ok := segmentsKV.Get(videoName)
		if !ok {
			continue
		}
		seg, ok := segments[segIdx]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "[%s, %s]\n%s", videoName, formatTimeRange(seg.Time), seg.Content)
	}
	if sb.Len() == 0 {
		return "(none)", nil
	}
	return sb.String(), nil
}

// formatTimeRange converts a "start-end" second range into MM:SS-MM:SS
// so the answer model cites readable timestamps. Unparseable ranges pass
// through untouched.
func formatTimeRange(timeRange string) string {
	start, end, ok := strings.Cut(timeRange, "-")
	if !ok {
		return timeRange
	}
	s, err1 := strconv.Atoi(start)
	e, err2 := strconv.Atoi(end)
	if err1 != nil || err2 != nil {
		return timeRange
	}
	return core.FormatSeconds(float64(s)) + "-" + core.FormatSeconds(float64(e))
}

// splitSegmentID undoes the "<video>_<index>" ids the indexing pipeline
// assigns. Video names may themselves contain underscores, so the split
// happens at the last one.
func splitSegmentID(id string) (video, index string, ok bool) {
	i := strings.LastIndex(id, "_")
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	if _, err := strconv.Atoi(id[i+1:]); err != nil {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}
