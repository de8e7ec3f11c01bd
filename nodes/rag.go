package nodes

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nodeflow/nodeflow/events"
	"github.com/nodeflow/nodeflow/flowerrors"
	"github.com/nodeflow/nodeflow/node"
)

// embeddingDim is the dimensionality of the built-in local vectorizer.
const embeddingDim = 64

type (
	// IndexStore is the in-process vector index registry shared by
	// vector_store and the retrieval nodes, keyed by index id.
	IndexStore struct {
		mu      sync.RWMutex
		indexes map[string]*index
	}

	index struct {
		chunks  []string
		vectors [][]float64
	}
)

// NewIndexStore returns an empty index store.
func NewIndexStore() *IndexStore {
	return &IndexStore{indexes: make(map[string]*index)}
}

// Put stores an index under id, replacing any previous content.
func (s *IndexStore) Put(id string, chunks []string, vectors [][]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[id] = &index{chunks: chunks, vectors: vectors}
}

// Get returns the index stored under id.
func (s *IndexStore) Get(id string) ([]string, [][]float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ix, ok := s.indexes[id]
	if !ok {
		return nil, nil, false
	}
	return ix.chunks, ix.vectors, true
}

func chunkingDescriptor() node.Descriptor {
	return node.Descriptor{
		Type:        "chunking",
		DisplayName: "Text Chunking",
		Category:    node.CategoryProcessing,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"chunk_size": {"type": "integer", "minimum": 1},
				"overlap": {"type": "integer", "minimum": 0}
			}
		}`),
		Inputs: []node.Field{
			{Name: "text", Description: "text to split", Required: true},
		},
		Outputs: []node.Field{
			{Name: "chunks", Description: "ordered text chunks", Required: true},
		},
		Factory: func() node.Node { return chunking{} },
	}
}

type chunking struct{}

func (chunking) Execute(_ context.Context, inputs, config map[string]any, ec *node.ExecutionContext) (node.Result, error) {
	text := stringValue(inputs["text"])
	if text == "" {
		return node.Result{}, flowerrors.New(flowerrors.KindMissingInput, "chunking requires text")
	}
	size := intConfig(config, "chunk_size", 512)
	overlap := intConfig(config, "overlap", 50)
	if overlap >= size {
		overlap = size / 4
	}

	words := strings.Fields(text)
	var chunks []any
	for start := 0; start < len(words); {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
		start = end - overlap
	}
	if ec != nil && ec.Events != nil {
		ec.Events.Emit(events.KindNodeProgress, map[string]any{"chunks": len(chunks)})
	}
	return node.Result{Outputs: map[string]any{"chunks": chunks}}, nil
}

func embeddingDescriptor(deps Deps) node.Descriptor {
	return node.Descriptor{
		Type:        "embedding",
		DisplayName: "Embedding",
		Category:    node.CategoryProcessing,
		Inputs: []node.Field{
			{Name: "chunks", Description: "text chunks to embed", Required: true},
		},
		Outputs: []node.Field{
			{Name: "embeddings", Description: "one vector per chunk", Required: true},
			{Name: "chunks", Description: "the embedded chunks, passed through"},
		},
		Factory:   func() node.Node { return embedding{} },
		Retryable: true,
	}
}

// embedding uses a deterministic local vectorizer: token-hash counts
// normalized to unit length. Provider-backed embedding is a drop-in
// replacement behind the same output contract.
type embedding struct{}

func (embedding) Execute(_ context.Context, inputs, _ map[string]any, _ *node.ExecutionContext) (node.Result, error) {
	chunks, err := stringSlice(inputs["chunks"])
	if err != nil || len(chunks) == 0 {
		return node.Result{}, flowerrors.New(flowerrors.KindMissingInput, "embedding requires chunks")
	}
	vectors := make([]any, len(chunks))
	passthrough := make([]any, len(chunks))
	for i, c := range chunks {
		vectors[i] = floatSliceToAny(vectorize(c))
		passthrough[i] = c
	}
	return node.Result{Outputs: map[string]any{
		"embeddings": vectors,
		"chunks":     passthrough,
	}}, nil
}

func vectorStoreDescriptor(deps Deps) node.Descriptor {
	return node.Descriptor{
		Type:        "vector_store",
		DisplayName: "Vector Store",
		Category:    node.CategoryProcessing,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"index_id": {"type": "string"}
			}
		}`),
		Inputs: []node.Field{
			{Name: "embeddings", Description: "vectors to index", Required: true},
			{Name: "chunks", Description: "chunk texts aligned with embeddings", Required: true},
		},
		Outputs: []node.Field{
			{Name: "index_id", Description: "identifier of the stored index", Required: true},
		},
		Factory:   func() node.Node { return vectorStore{indexes: deps.Indexes} },
		Retryable: true,
	}
}

type vectorStore struct {
	indexes *IndexStore
}

func (v vectorStore) Execute(_ context.Context, inputs, config map[string]any, _ *node.ExecutionContext) (node.Result, error) {
	chunks, err := stringSlice(inputs["chunks"])
	if err != nil {
		return node.Result{}, flowerrors.Wrap(flowerrors.KindValidation, err, "vector_store chunks")
	}
	vectors, err := vectorSlice(inputs["embeddings"])
	if err != nil {
		return node.Result{}, flowerrors.Wrap(flowerrors.KindValidation, err, "vector_store embeddings")
	}
	if len(chunks) != len(vectors) {
		return node.Result{}, flowerrors.New(flowerrors.KindValidation,
			"vector_store requires aligned chunks (%d) and embeddings (%d)", len(chunks), len(vectors))
	}
	id := stringValue(config["index_id"])
	if id == "" {
		id = uuid.NewString()
	}
	v.indexes.Put(id, chunks, vectors)
	return node.Result{Outputs: map[string]any{"index_id": id}}, nil
}

func vectorSearchDescriptor(deps Deps) node.Descriptor {
	return node.Descriptor{
		Type:        "vector_search",
		DisplayName: "Vector Search",
		Category:    node.CategoryRetrieval,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"index_id": {"type": "string"},
				"top_k": {"type": "integer", "minimum": 1}
			}
		}`),
		Inputs: []node.Field{
			{Name: "query", Description: "search query", Required: true},
			{Name: "index_id", Description: "index to search", Required: true},
		},
		Outputs: []node.Field{
			{Name: "results", Description: "scored matches", Required: true},
			{Name: "query", Description: "the query, passed through"},
			{Name: "index_id", Description: "the searched index, passed through"},
		},
		Factory:   func() node.Node { return vectorSearch{indexes: deps.Indexes} },
		Retryable: true,
	}
}

type vectorSearch struct {
	indexes *IndexStore
}

func (v vectorSearch) Execute(_ context.Context, inputs, config map[string]any, _ *node.ExecutionContext) (node.Result, error) {
	query := stringValue(inputs["query"])
	indexID := stringValue(inputs["index_id"])
	if query == "" || indexID == "" {
		return node.Result{}, flowerrors.New(flowerrors.KindMissingInput, "vector_search requires query and index_id")
	}
	chunks, vectors, ok := v.indexes.Get(indexID)
	if !ok {
		return node.Result{}, flowerrors.New(flowerrors.KindPermanent, "index %q not found", indexID)
	}
	qv := vectorize(query)
	type scored struct {
		text  string
		score float64
	}
	hits := make([]scored, len(chunks))
	for i := range chunks {
		hits[i] = scored{text: chunks[i], score: cosine(qv, vectors[i])}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	k := intConfig(config, "top_k", 3)
	if k > len(hits) {
		k = len(hits)
	}
	results := make([]any, k)
	for i := 0; i < k; i++ {
		results[i] = map[string]any{
			"text":     hits[i].text,
			"score":    hits[i].score,
			"metadata": map[string]any{"index_id": indexID},
		}
	}
	return node.Result{Outputs: map[string]any{
		"results":  results,
		"query":    query,
		"index_id": indexID,
	}}, nil
}

func bm25Descriptor(deps Deps) node.Descriptor {
	return node.Descriptor{
		Type:        "bm25_retrieval",
		DisplayName: "BM25 Retrieval",
		Category:    node.CategoryRetrieval,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"index_id": {"type": "string"},
				"top_k": {"type": "integer", "minimum": 1}
			}
		}`),
		Inputs: []node.Field{
			{Name: "query", Description: "search query", Required: true},
			{Name: "index_id", Description: "index to search", Required: true},
		},
		Outputs: []node.Field{
			{Name: "results", Description: "scored matches", Required: true},
			{Name: "query", Description: "the query, passed through"},
		},
		Factory:   func() node.Node { return bm25{indexes: deps.Indexes} },
		Retryable: true,
	}
}

// bm25 ranks chunks by term-frequency overlap with the query. Good enough
// for the keyword leg of hybrid retrieval without an external search engine.
type bm25 struct {
	indexes *IndexStore
}

func (b bm25) Execute(_ context.Context, inputs, config map[string]any, _ *node.ExecutionContext) (node.Result, error) {
	query := stringValue(inputs["query"])
	indexID := stringValue(inputs["index_id"])
	if query == "" || indexID == "" {
		return node.Result{}, flowerrors.New(flowerrors.KindMissingInput, "bm25_retrieval requires query and index_id")
	}
	chunks, _, ok := b.indexes.Get(indexID)
	if !ok {
		return node.Result{}, flowerrors.New(flowerrors.KindPermanent, "index %q not found", indexID)
	}
	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		text  string
		score float64
	}
	hits := make([]scored, len(chunks))
	for i, c := range chunks {
		lc := strings.ToLower(c)
		var s float64
		for _, t := range terms {
			s += float64(strings.Count(lc, t))
		}
		hits[i] = scored{text: c, score: s}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	k := intConfig(config, "top_k", 3)
	if k > len(hits) {
		k = len(hits)
	}
	results := make([]any, k)
	for i := 0; i < k; i++ {
		results[i] = map[string]any{"text": hits[i].text, "score": hits[i].score, "metadata": map[string]any{}}
	}
	return node.Result{Outputs: map[string]any{"results": results, "query": query}}, nil
}

func rerankDescriptor() node.Descriptor {
	return node.Descriptor{
		Type:        "rerank",
		DisplayName: "Rerank",
		Category:    node.CategoryRetrieval,
		Inputs: []node.Field{
			{Name: "results", Description: "candidate results", Required: true},
			{Name: "query", Description: "query to rank against"},
		},
		Outputs: []node.Field{
			{Name: "results", Description: "re-ordered results", Required: true},
		},
		Factory: func() node.Node { return rerank{} },
	}
}

type rerank struct{}

func (rerank) Execute(_ context.Context, inputs, _ map[string]any, _ *node.ExecutionContext) (node.Result, error) {
	raw, ok := inputs["results"].([]any)
	if !ok {
		return node.Result{}, flowerrors.New(flowerrors.KindMissingInput, "rerank requires results")
	}
	query := strings.ToLower(stringValue(inputs["query"]))
	terms := strings.Fields(query)

	reranked := make([]any, len(raw))
	copy(reranked, raw)
	sort.SliceStable(reranked, func(i, j int) bool {
		return rerankScore(reranked[i], terms) > rerankScore(reranked[j], terms)
	})
	return node.Result{Outputs: map[string]any{"results": reranked}}, nil
}

func rerankScore(v any, terms []string) float64 {
	m, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	text := strings.ToLower(stringValue(m["text"]))
	var s float64
	for _, t := range terms {
		s += float64(strings.Count(text, t))
	}
	if base, ok := m["score"].(float64); ok {
		s += base
	}
	return s
}

// vectorize hashes tokens into a fixed-size count vector and normalizes it.
func vectorize(text string) []float64 {
	vec := make([]float64, embeddingDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%embeddingDim]++
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}

func intConfig(config map[string]any, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return int(n)
		}
	}
	return def
}

func stringSlice(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, flowerrors.New(flowerrors.KindValidation, "expected a list of strings")
	}
	out := make([]string, len(raw))
	for i, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, flowerrors.New(flowerrors.KindValidation, "element %d is not a string", i)
		}
		out[i] = s
	}
	return out, nil
}

func vectorSlice(v any) ([][]float64, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, flowerrors.New(flowerrors.KindValidation, "expected a list of vectors")
	}
	out := make([][]float64, len(raw))
	for i, e := range raw {
		fs, ok := e.([]any)
		if !ok {
			return nil, flowerrors.New(flowerrors.KindValidation, "element %d is not a vector", i)
		}
		vec := make([]float64, len(fs))
		for j, f := range fs {
			fv, ok := f.(float64)
			if !ok {
				return nil, flowerrors.New(flowerrors.KindValidation, "element %d[%d] is not a number", i, j)
			}
			vec[j] = fv
		}
		out[i] = vec
	}
	return out, nil
}

func floatSliceToAny(vec []float64) []any {
	out := make([]any, len(vec))
	for i, v := range vec {
		out[i] = v
	}
	return out
}
