package processors

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"videorag/config"
	"videorag/core"
	"videorag/storage"
)

// Chunk is one token-bounded slice of a video's merged segment content.
type Chunk struct {
	Content    string `json:"content"`
	Tokens     int    `json:"tokens"`
	OrderIndex int    `json:"chunk_order_index"`
	VideoName  string `json:"video_name"`
}

const chunkEncoding = "cl100k_base"

// tokenizer is the slice of the tiktoken API chunking needs. A seam so
// tests run without the BPE vocabulary on disk.
type tokenizer interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
	Decode(tokens []int) string
}

var newTokenizer = func() (tokenizer, error) {
	return tiktoken.GetEncoding(chunkEncoding)
}

// ChunkVideoSegments concatenates a video's segments in time order and
// slices the result into chunks of at most cfg.ChunkTokenSize tokens.
// Chunk ids derive from content, so unchanged content maps to the same
// id on every run.
func ChunkVideoSegments(videoName string, segments core.VideoSegments, cfg *config.Config) (map[string]Chunk, error) {
	enc, err := newTokenizer()
	if err != nil {
		return nil, fmt.Errorf("load %s tokenizer: %w", chunkEncoding, err)
	}

	indexes := make([]int, 0, len(segments))
	for key := range segments {
		idx, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var full strings.Builder
	for _, idx := range indexes {
		full.WriteString(segments[strconv.Itoa(idx)].Content)
	}

	tokens := enc.Encode(full.String(), nil, nil)
	size := cfg.ChunkTokenSize
	if size <= 0 {
		size = 1200
	}

	chunks := map[string]Chunk{}
	for order, start := 0, 0; start < len(tokens); order, start = order+1, start+size {
		end := start + size
		if end > len(tokens) {
			end = len(tokens)
		}
		content := strings.TrimSpace(enc.Decode(tokens[start:end]))
		if content == "" {
			continue
		}
		chunks[core.HashID("chunk-", content)] = Chunk{
			Content:    content,
			Tokens:     end - start,
			OrderIndex: order,
			VideoName:  videoName,
		}
	}
	return chunks, nil
}

const entityExtractPrompt = `You are given a text document from a video. Identify the important entities and the relationships between them.

Output one record per line, using exactly these formats:
("entity"|<entity name>|<entity type>|<entity description>)
("relationship"|<source entity>|<target entity>|<relationship description>)

Entity types: person, organization, location, event, object, concept.
Use the same entity name consistently. Output nothing else.

Document:
%s`

const entityGleanPrompt = `Some entities or relationships may have been missed in the last extraction. Add the remaining ones using the same output format. If nothing was missed, output nothing.`

// GraphBuilder extracts entities and relations from text chunks into the
// session graph, and mirrors entities into a vector index for retrieval.
type GraphBuilder struct {
	completer Completer
	embedder  TextEmbedder
	graph     *storage.GraphStorage
	entities  storage.VectorIndex
}

func NewGraphBuilder(completer Completer, embedder TextEmbedder, graph *storage.GraphStorage, entities storage.VectorIndex) *GraphBuilder {
	return &GraphBuilder{completer: completer, embedder: embedder, graph: graph, entities: entities}
}

// BuildFromChunks runs extraction over each chunk with one gleaning
// pass, merges results into the graph, and upserts entity embeddings.
// A chunk whose extraction fails is logged and skipped; graph coverage
// degrades instead of failing the whole stage.
func (b *GraphBuilder) BuildFromChunks(ctx context.Context, chunks map[string]Chunk) error {
	done := 0
	for chunkID, chunk := range chunks {
		first, err := b.completer.Complete(ctx, "", fmt.Sprintf(entityExtractPrompt, chunk.Content))
		if err != nil {
			if isConfigErr(err) {
				return err
			}
			log.Printf("Warning: entity extraction failed for chunk %s: %v", chunkID, err)
			continue
		}
		records := first
		if glean, err := b.completer.Complete(ctx, "", fmt.Sprintf(entityExtractPrompt, chunk.Content)+"\n\n"+first+"\n\n"+entityGleanPrompt); err == nil {
			records += "\n" + glean
		}
		nodes, edges := parseExtraction(records, chunkID)
		for _, n := range nodes {
			b.graph.UpsertNode(n)
		}
		for _, e := range edges {
			b.graph.UpsertEdge(e)
		}
		if err := b.embedEntities(ctx, nodes); err != nil {
			if isConfigErr(err) {
				return err
			}
			log.Printf("Warning: entity embedding failed for chunk %s: %v", chunkID, err)
		}
		done++
		log.Printf("Knowledge graph: processed %d/%d chunks", done, len(chunks))
	}
	return b.graph.Flush()
}

func (b *GraphBuilder) embedEntities(ctx context.Context, nodes []storage.GraphNode) error {
	if len(nodes) == 0 {
		return nil
	}
	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = n.Name + " " + n.Description
	}
	vectors, err := b.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	for i, n := range nodes {
		id := core.HashID("ent-", n.Name)
		if err := b.entities.Upsert(id, vectors[i], map[string]string{"entity_name": n.Name}); err != nil {
			return err
		}
	}
	return nil
}

// parseExtraction reads the delimited records the extraction prompt
// asks for. Malformed lines are ignored.
func parseExtraction(text, sourceID string) ([]storage.GraphNode, []storage.GraphEdge) {
	var nodes []storage.GraphNode
	var edges []storage.GraphEdge
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "(") || !strings.HasSuffix(line, ")") {
			continue
		}
		fields := strings.Split(strings.Trim(line, "()"), "|")
		for i := range fields {
			fields[i] = strings.Trim(strings.TrimSpace(fields[i]), `"`)
		}
		switch {
		case len(fields) >= 4 && fields[0] == "entity":
			name := normalizeEntity(fields[1])
			if name == "" {
				continue
			}
			nodes = append(nodes, storage.GraphNode{
				Name:        name,
				Type:        strings.ToLower(fields[2]),
				Description: fields[3],
				SourceIDs:   sourceID,
			})
		case len(fields) >= 4 && fields[0] == "relationship":
			src, dst := normalizeEntity(fields[1]), normalizeEntity(fields[2])
			if src == "" || dst == "" || src == dst {
				continue
			}
			edges = append(edges, storage.GraphEdge{
				Source:      src,
				Target:      dst,
				Description: fields[3],
				Weight:      1,
				SourceIDs:   sourceID,
			})
		}
	}
	return nodes, edges
}

func normalizeEntity(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func isConfigErr(err error) bool {
	return errors.Is(err, ErrConfig)
}
