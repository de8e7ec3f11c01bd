package router

import "github.com/nodeflow/nodeflow/node"

// rule maps one source output key to the target input keys it populates.
// Rules for direct sources apply unconditionally in edge order, so a later
// direct source overwrites an earlier one. Rules for indirect sources apply
// only when the target key is not already set.
type rule struct {
	sourceKey string
	targets   []string
}

// typeRules is the normative smart-merge table keyed by source node type.
// Types absent from the table fall back to categoryRules.
var typeRules = map[string][]rule{
	"text_input": {
		{sourceKey: "text", targets: []string{"text", "topic"}},
	},
	"file_input": {
		{sourceKey: "text", targets: []string{"text", "file_content", "context", "content"}},
	},
	"file_upload": {
		{sourceKey: "text", targets: []string{"text", "file_content", "context", "content"}},
	},
	"chunking": {
		{sourceKey: "chunks", targets: []string{"chunks"}},
	},
	"embedding": {
		{sourceKey: "embeddings", targets: []string{"embeddings"}},
		{sourceKey: "chunks", targets: []string{"chunks"}},
	},
	"vector_store": {
		{sourceKey: "index_id", targets: []string{"index_id"}},
	},
	"vector_search": {
		{sourceKey: "results", targets: []string{"results"}},
		{sourceKey: "query", targets: []string{"query"}},
		{sourceKey: "index_id", targets: []string{"index_id"}},
	},
	"bm25_retrieval": {
		{sourceKey: "results", targets: []string{"results"}},
		{sourceKey: "query", targets: []string{"query"}},
	},
	"hybrid_search": {
		{sourceKey: "results", targets: []string{"results"}},
		{sourceKey: "query", targets: []string{"query"}},
		{sourceKey: "index_id", targets: []string{"index_id"}},
	},
	"rerank": {
		{sourceKey: "results", targets: []string{"results"}},
	},
}

// llmTargets is the fan-out for conversational model outputs.
var llmTargets = []string{"output", "text", "body", "content", "message", "summary"}

// generationTargets is the fan-out for long-form content generators.
var generationTargets = []string{"body", "email_body", "message", "text"}

// categoryRules supplies rules for source types not in typeRules.
func categoryRules(cat node.Category) []rule {
	switch cat {
	case node.CategoryLLM, node.CategoryAgent:
		return []rule{
			{sourceKey: "response", targets: llmTargets},
			{sourceKey: "output", targets: llmTargets},
		}
	case node.CategoryGeneration:
		return []rule{
			{sourceKey: "output", targets: generationTargets},
		}
	case node.CategoryRetrieval:
		return []rule{
			{sourceKey: "results", targets: []string{"results"}},
			{sourceKey: "query", targets: []string{"query"}},
		}
	case node.CategoryInput:
		return []rule{
			{sourceKey: "text", targets: []string{"text"}},
		}
	}
	return nil
}

// rulesFor returns the smart-merge rules for a source node.
func rulesFor(nodeType string, cat node.Category) []rule {
	if rs, ok := typeRules[nodeType]; ok {
		return rs
	}
	return categoryRules(cat)
}

// textualKeys is the standard key list scanned when extracting a body-like
// value from arbitrary outputs, in priority order.
var textualKeys = []string{"output", "response", "text", "content", "body", "summary", "message"}
