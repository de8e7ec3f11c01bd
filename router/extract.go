package router

import (
	"github.com/nodeflow/nodeflow/node"
	"github.com/nodeflow/nodeflow/workflow"
)

// extract implements phase R2b. Fields indispensable for specific target
// types are rescued by scanning every collected source's outputs, accepting
// prefixed keys of the form "{source_id}_{field}". Extraction never
// overwrites keys set by earlier phases.
func (r *Router) extract(target workflow.Node, desc node.Descriptor, sources []Source, res *Result) {
	switch {
	case desc.Category == node.CategoryLLM || desc.Category == node.CategoryAgent:
		// Chat and LLM targets over retrieval need the query and the
		// retrieved results. Query only comes from input or retrieval
		// sources; intermediate processing outputs are not user intent.
		r.fill(res, "query", sources, func(s Source, v any) bool {
			return s.Category == node.CategoryInput || s.Category == node.CategoryRetrieval
		})
		if _, ok := res.Inputs["query"]; !ok {
			r.fillFrom(res, "query", "text", sources, func(s Source) bool {
				return s.Category == node.CategoryInput
			})
		}
		r.fill(res, "results", sources, func(s Source, v any) bool {
			return s.Category == node.CategoryRetrieval
		})

	case target.Type == "embedding":
		r.fill(res, "chunks", sources, func(s Source, v any) bool {
			return s.NodeType == "chunking" || anySlice(v)
		})

	case target.Type == "vector_store":
		r.fill(res, "embeddings", sources, func(s Source, v any) bool {
			return s.NodeType == "embedding" || anySlice(v)
		})
		r.fill(res, "chunks", sources, func(s Source, v any) bool {
			return s.NodeType == "embedding" || s.NodeType == "chunking" || anySlice(v)
		})

	case desc.Category == node.CategoryRetrieval:
		r.fill(res, "query", sources, func(s Source, v any) bool {
			return true
		})
		if _, ok := res.Inputs["query"]; !ok {
			r.fillFrom(res, "query", "text", sources, func(s Source) bool {
				return s.Category == node.CategoryInput
			})
		}
		r.fill(res, "index_id", sources, func(s Source, v any) bool {
			return true
		})

	case target.Type == "email_sender" || target.Type == "slack_sender" || desc.Category == node.CategoryOutput:
		// Output adapters need a body-like field; scan the standard textual
		// keys across all sources.
		if _, ok := res.Inputs["body"]; !ok {
			if _, ok := res.Inputs["message"]; !ok {
				for _, key := range textualKeys {
					if v, ok := firstField(sources, key, nil); ok {
						res.Inputs["body"] = v
						res.Origins["body"] = OriginExtraction
						res.Inputs["message"] = v
						res.Origins["message"] = OriginExtraction
						break
					}
				}
			}
		}
	}
}

// fill copies field from the first matching source into res when the field
// is still absent.
func (r *Router) fill(res *Result, field string, sources []Source, match func(Source, any) bool) {
	if _, ok := res.Inputs[field]; ok {
		return
	}
	if v, ok := firstField(sources, field, match); ok {
		res.Inputs[field] = v
		res.Origins[field] = OriginExtraction
	}
}

// fillFrom copies sourceField of the first matching source into res under
// targetField when targetField is still absent.
func (r *Router) fillFrom(res *Result, targetField, sourceField string, sources []Source, match func(Source) bool) {
	if _, ok := res.Inputs[targetField]; ok {
		return
	}
	for _, s := range sources {
		if match != nil && !match(s) {
			continue
		}
		if v, ok := lookupField(s, sourceField); ok {
			res.Inputs[targetField] = v
			res.Origins[targetField] = OriginExtraction
			return
		}
	}
}

// firstField returns the first source value for field, honoring prefixed
// keys. match may be nil.
func firstField(sources []Source, field string, match func(Source, any) bool) (any, bool) {
	for _, s := range sources {
		v, ok := lookupField(s, field)
		if !ok {
			continue
		}
		if match != nil && !match(s, v) {
			continue
		}
		return v, true
	}
	return nil, false
}

// lookupField reads field from a source's outputs, accepting the prefixed
// "{source_id}_{field}" form.
func lookupField(s Source, field string) (any, bool) {
	if v, ok := s.Outputs[field]; ok {
		return v, true
	}
	if v, ok := s.Outputs[s.NodeID+"_"+field]; ok {
		return v, true
	}
	return nil, false
}

func anySlice(v any) bool {
	_, ok := v.([]any)
	return ok
}
