package nodes

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeflow/nodeflow/flowerrors"
	"github.com/nodeflow/nodeflow/node"
)

func execute(t *testing.T, d node.Descriptor, inputs, config map[string]any) node.Result {
	t.Helper()
	res, err := d.Factory().Execute(context.Background(), inputs, config, nil)
	require.NoError(t, err)
	return res
}

func TestChunkingSplitsWithOverlap(t *testing.T) {
	t.Parallel()

	words := make([]string, 25)
	for i := range words {
		words[i] = string(rune('a' + i))
	}
	res := execute(t, chunkingDescriptor(),
		map[string]any{"text": strings.Join(words, " ")},
		map[string]any{"chunk_size": 10, "overlap": 2})

	chunks := res.Outputs["chunks"].([]any)
	require.Len(t, chunks, 3)
	first := strings.Fields(chunks[0].(string))
	second := strings.Fields(chunks[1].(string))
	require.Len(t, first, 10)
	// Overlap of 2: the second chunk starts on the last two words of the
	// first.
	require.Equal(t, first[8:], second[:2])
}

func TestChunkingClampsOversizedOverlap(t *testing.T) {
	t.Parallel()

	res := execute(t, chunkingDescriptor(),
		map[string]any{"text": "one two three four five six seven eight"},
		map[string]any{"chunk_size": 4, "overlap": 100})

	chunks := res.Outputs["chunks"].([]any)
	require.NotEmpty(t, chunks)
	// An overlap >= chunk_size would never advance; the clamp keeps
	// progress guaranteed.
	require.LessOrEqual(t, len(chunks), 4)
}

func TestChunkingRequiresText(t *testing.T) {
	t.Parallel()

	_, err := chunkingDescriptor().Factory().Execute(context.Background(), map[string]any{}, nil, nil)
	require.Error(t, err)
	require.Equal(t, flowerrors.KindMissingInput, flowerrors.KindOf(err))
}

func TestEmbeddingIsDeterministicAndNormalized(t *testing.T) {
	t.Parallel()

	d := embeddingDescriptor(Deps{})
	in := map[string]any{"chunks": []any{"the quick brown fox", "the quick brown fox", "unrelated text"}}
	res := execute(t, d, in, nil)

	vecs := res.Outputs["embeddings"].([]any)
	require.Len(t, vecs, 3)
	require.Equal(t, vecs[0], vecs[1])
	require.NotEqual(t, vecs[0], vecs[2])

	var norm float64
	for _, v := range vecs[0].([]any) {
		f := v.(float64)
		norm += f * f
	}
	require.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)

	require.Equal(t, in["chunks"], res.Outputs["chunks"])
}

func TestVectorStoreAndSearch(t *testing.T) {
	t.Parallel()

	deps := Deps{Indexes: NewIndexStore()}
	chunks := []any{
		"cats are small domesticated mammals",
		"go is a statically typed programming language",
		"the stock market closed higher today",
	}
	embedded := execute(t, embeddingDescriptor(deps), map[string]any{"chunks": chunks}, nil)

	stored := execute(t, vectorStoreDescriptor(deps), map[string]any{
		"chunks":     embedded.Outputs["chunks"],
		"embeddings": embedded.Outputs["embeddings"],
	}, map[string]any{"index_id": "docs"})
	require.Equal(t, "docs", stored.Outputs["index_id"])

	found := execute(t, vectorSearchDescriptor(deps), map[string]any{
		"query":    "programming language",
		"index_id": "docs",
	}, map[string]any{"top_k": 2})

	results := found.Outputs["results"].([]any)
	require.Len(t, results, 2)
	top := results[0].(map[string]any)
	require.Contains(t, top["text"], "programming language")
	require.Greater(t, top["score"].(float64), 0.0)
	require.Equal(t, "docs", top["metadata"].(map[string]any)["index_id"])

	require.Equal(t, "programming language", found.Outputs["query"])
	require.Equal(t, "docs", found.Outputs["index_id"])
}

func TestVectorStoreGeneratesIndexID(t *testing.T) {
	t.Parallel()

	deps := Deps{Indexes: NewIndexStore()}
	res := execute(t, vectorStoreDescriptor(deps), map[string]any{
		"chunks":     []any{"a"},
		"embeddings": []any{floatSliceToAny(vectorize("a"))},
	}, nil)
	id := res.Outputs["index_id"].(string)
	require.NotEmpty(t, id)
	_, _, ok := deps.Indexes.Get(id)
	require.True(t, ok)
}

func TestVectorStoreRejectsMisalignedInputs(t *testing.T) {
	t.Parallel()

	deps := Deps{Indexes: NewIndexStore()}
	_, err := vectorStoreDescriptor(deps).Factory().Execute(context.Background(), map[string]any{
		"chunks":     []any{"a", "b"},
		"embeddings": []any{floatSliceToAny(vectorize("a"))},
	}, nil, nil)
	require.Error(t, err)
	require.Equal(t, flowerrors.KindValidation, flowerrors.KindOf(err))
}

func TestVectorSearchUnknownIndex(t *testing.T) {
	t.Parallel()

	deps := Deps{Indexes: NewIndexStore()}
	_, err := vectorSearchDescriptor(deps).Factory().Execute(context.Background(), map[string]any{
		"query":    "q",
		"index_id": "ghost",
	}, nil, nil)
	require.Error(t, err)
	require.Equal(t, flowerrors.KindPermanent, flowerrors.KindOf(err))
}

func TestBM25RanksByTermFrequency(t *testing.T) {
	t.Parallel()

	deps := Deps{Indexes: NewIndexStore()}
	deps.Indexes.Put("kb", []string{
		"redis redis redis",
		"redis appears once here",
		"nothing relevant",
	}, nil)

	res := execute(t, bm25Descriptor(deps), map[string]any{
		"query":    "redis",
		"index_id": "kb",
	}, map[string]any{"top_k": 2})

	results := res.Outputs["results"].([]any)
	require.Len(t, results, 2)
	require.Equal(t, "redis redis redis", results[0].(map[string]any)["text"])
	require.Equal(t, "redis appears once here", results[1].(map[string]any)["text"])
}

func TestRerankPrefersTermOverlap(t *testing.T) {
	t.Parallel()

	res := execute(t, rerankDescriptor(), map[string]any{
		"query": "vector search",
		"results": []any{
			map[string]any{"text": "unrelated", "score": 0.1},
			map[string]any{"text": "vector search internals", "score": 0.1},
		},
	}, nil)

	results := res.Outputs["results"].([]any)
	require.Equal(t, "vector search internals", results[0].(map[string]any)["text"])
}

func TestIntConfigCoercions(t *testing.T) {
	t.Parallel()

	require.Equal(t, 7, intConfig(map[string]any{"k": 7}, "k", 3))
	require.Equal(t, 7, intConfig(map[string]any{"k": 7.0}, "k", 3))
	require.Equal(t, 3, intConfig(map[string]any{"k": 0}, "k", 3))
	require.Equal(t, 3, intConfig(map[string]any{"k": "7"}, "k", 3))
	require.Equal(t, 3, intConfig(nil, "k", 3))
}
