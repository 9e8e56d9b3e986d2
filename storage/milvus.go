package storage

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

// MilvusIndex stores all sessions' vectors for one namespace in a shared
// collection, isolated by a session scalar field.
type MilvusIndex struct {
	mc      client.Client
	coll    string
	session string
	dim     int
}

func newMilvusIndex(sessionID, namespace string, dim int) (*MilvusIndex, error) {
	addr := os.Getenv("MILVUS_ADDR")
	if addr == "" {
		addr = "localhost:19530"
	}
	mc, err := client.NewClient(context.Background(), client.Config{
		Address:  addr,
		Username: os.Getenv("MILVUS_USERNAME"),
		Password: os.Getenv("MILVUS_PASSWORD"),
		APIKey:   os.Getenv("MILVUS_API_KEY"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}

	idx := &MilvusIndex{
		mc:      mc,
		coll:    "videorag_" + namespace,
		session: sessionID,
		dim:     dim,
	}
	if err := idx.ensureSchemaAndIndex(); err != nil {
		mc.Close()
		return nil, err
	}
	return idx, nil
}

func (m *MilvusIndex) ensureSchemaAndIndex() error {
	ctx := context.Background()
	has, err := m.mc.HasCollection(ctx, m.coll)
	if err != nil {
		return err
	}
	if !has {
		schema := entity.NewSchema().WithName(m.coll)
		schema.WithField(entity.NewField().WithName("id").WithIsPrimaryKey(true).WithDataType(entity.FieldTypeVarChar).WithMaxLength(256))
		schema.WithField(entity.NewField().WithName("session").WithDataType(entity.FieldTypeVarChar).WithMaxLength(128))
		schema.WithField(entity.NewField().WithName("meta").WithDataType(entity.FieldTypeVarChar).WithMaxLength(8192))
		schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(m.dim)))
		if err := m.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}
	hnsw, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := m.mc.CreateIndex(ctx, m.coll, "vector", hnsw, false, client.WithIndexName("idx_vector")); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := m.mc.LoadCollection(ctx, m.coll, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

func (m *MilvusIndex) Upsert(id string, vec []float32, meta map[string]string) error {
	ctx := context.Background()
	_, err := m.mc.Upsert(ctx, m.coll, "",
		entity.NewColumnVarChar("id", []string{id}),
		entity.NewColumnVarChar("session", []string{m.session}),
		entity.NewColumnVarChar("meta", []string{encodeMeta(meta)}),
		entity.NewColumnFloatVector("vector", m.dim, [][]float32{vec}),
	)
	if err != nil {
		return fmt.Errorf("milvus upsert: %w", err)
	}
	return nil
}

func (m *MilvusIndex) Query(vec []float32, topK int) ([]ScoredID, error) {
	if topK <= 0 {
		topK = 5
	}
	ctx := context.Background()
	sp, _ := entity.NewIndexHNSWSearchParam(74)
	filter := fmt.Sprintf("session == %q", m.session)
	res, err := m.mc.Search(ctx, m.coll, []string{}, filter,
		[]string{"id", "meta"}, []entity.Vector{entity.FloatVector(vec)},
		"vector", entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("milvus search: %w", err)
	}

	var hits []ScoredID
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			var id, meta string
			if c, ok := cols["id"].(*entity.ColumnVarChar); ok {
				if data := c.Data(); i < len(data) {
					id = data[i]
				}
			}
			if c, ok := cols["meta"].(*entity.ColumnVarChar); ok {
				if data := c.Data(); i < len(data) {
					meta = data[i]
				}
			}
			hits = append(hits, ScoredID{ID: id, Score: float64(r.Scores[i]), Metadata: decodeMeta(meta)})
		}
	}
	return hits, nil
}

func (m *MilvusIndex) Flush() error {
	return m.mc.Flush(context.Background(), m.coll, false)
}

func (m *MilvusIndex) Close() error {
	return m.mc.Close()
}

// Metadata travels as "k=v" pairs joined by newlines; values are the
// short video/segment identifiers this system produces.
func encodeMeta(meta map[string]string) string {
	parts := make([]string, 0, len(meta))
	for k, v := range meta {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "\n")
}

func decodeMeta(s string) map[string]string {
	if s == "" {
		return nil
	}
	meta := map[string]string{}
	for _, line := range strings.Split(s, "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			meta[k] = v
		}
	}
	return meta
}
