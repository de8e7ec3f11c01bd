package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nodeflow/nodeflow/model"
	"github.com/nodeflow/nodeflow/node"
	"github.com/nodeflow/nodeflow/workflow"
)

const intelligentSystemPrompt = `You map upstream node outputs to the input fields of a workflow node.
Respond with a single JSON object mapping target input names to the chosen source output key.
Only use source keys that exist. Do not invent values. Respond with JSON only.`

// enhance implements phase R3. It asks the configured model for a mapping
// from target input names to source output keys and applies only the
// returned, declared keys. Any failure, including the timeout, leaves the
// deterministic result untouched.
func (r *Router) enhance(ctx context.Context, target workflow.Node, desc node.Descriptor, sources []Source, res *Result) {
	ctx, cancel := context.WithTimeout(ctx, r.llmTimeout)
	defer cancel()

	prompt := buildRoutingPrompt(target, desc, sources, res)
	resp, err := r.llm.Complete(ctx, model.Request{
		Model: r.llmModel,
		Messages: []model.Message{
			model.System(intelligentSystemPrompt),
			model.User(prompt),
		},
		MaxTokens: 512,
		JSONOnly:  true,
	})
	if err != nil {
		r.logger.Warn(ctx, "intelligent routing failed, using deterministic result",
			"node_id", target.ID, "err", err.Error())
		return
	}

	mapping, err := parseRoutingResponse(resp.Text)
	if err != nil {
		r.logger.Warn(ctx, "intelligent routing returned malformed mapping",
			"node_id", target.ID, "err", err.Error())
		return
	}

	for inputName, sourceKey := range mapping {
		if !desc.HasInput(inputName) {
			continue
		}
		v, ok := resolveSourceKey(sources, sourceKey)
		if !ok {
			continue
		}
		res.Inputs[inputName] = v
		res.Origins[inputName] = OriginIntelligent
	}
}

// buildRoutingPrompt describes the target schema, the available source keys
// with short value previews, and the already-decided mapping.
func buildRoutingPrompt(target workflow.Node, desc node.Descriptor, sources []Source, res *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target node type: %s\n", target.Type)
	b.WriteString("Target inputs:\n")
	for _, f := range desc.Inputs {
		req := ""
		if f.Required {
			req = " (required)"
		}
		fmt.Fprintf(&b, "- %s%s: %s\n", f.Name, req, f.Description)
	}
	b.WriteString("Available source outputs:\n")
	for _, s := range sources {
		for _, k := range sortedKeys(s.Outputs) {
			fmt.Fprintf(&b, "- %s (from %s %s): %s\n", k, s.NodeType, s.NodeID, preview(s.Outputs[k]))
		}
	}
	b.WriteString("Already decided:\n")
	for _, k := range sortedKeys2(res.Origins) {
		fmt.Fprintf(&b, "- %s <- %s\n", k, res.Origins[k])
	}
	return b.String()
}

// parseRoutingResponse extracts the JSON object from the model response and
// decodes it into a name-to-key mapping.
func parseRoutingResponse(text string) (map[string]string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, err
	}
	mapping := make(map[string]string, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("value for %q is not a string", k)
		}
		mapping[k] = s
	}
	return mapping, nil
}

// resolveSourceKey finds the value for a source output key, preferring
// direct sources.
func resolveSourceKey(sources []Source, key string) (any, bool) {
	for _, s := range sources {
		if !s.Direct {
			continue
		}
		if v, ok := lookupField(s, key); ok {
			return v, true
		}
	}
	for _, s := range sources {
		if s.Direct {
			continue
		}
		if v, ok := lookupField(s, key); ok {
			return v, true
		}
	}
	return nil, false
}

// preview renders a short, single-line summary of a value for the prompt.
func preview(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%.80v", v)
	}
	s := string(raw)
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return strings.ReplaceAll(s, "\n", " ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys2(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
