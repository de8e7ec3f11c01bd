package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nodeflow/nodeflow/events"
	"github.com/nodeflow/nodeflow/flowerrors"
	"github.com/nodeflow/nodeflow/model"
	"github.com/nodeflow/nodeflow/node"
	"github.com/nodeflow/nodeflow/trace"
)

// Per-million-token prices used for cost accounting. Unknown models cost
// zero rather than failing the node.
var modelPricing = map[string]struct{ input, output decimal.Decimal }{
	"gpt-4o":                    {decimal.NewFromFloat(2.50), decimal.NewFromFloat(10.00)},
	"gpt-4o-mini":               {decimal.NewFromFloat(0.15), decimal.NewFromFloat(0.60)},
	"claude-sonnet-4-20250514":  {decimal.NewFromFloat(3.00), decimal.NewFromFloat(15.00)},
	"claude-3-5-haiku-20241022": {decimal.NewFromFloat(0.80), decimal.NewFromFloat(4.00)},
}

var million = decimal.NewFromInt(1_000_000)

func costFor(modelID string, usage model.TokenUsage) decimal.Decimal {
	p, ok := modelPricing[modelID]
	if !ok {
		return decimal.Zero
	}
	in := p.input.Mul(decimal.NewFromInt(usage.InputTokens)).Div(million)
	out := p.output.Mul(decimal.NewFromInt(usage.OutputTokens)).Div(million)
	return in.Add(out).Round(trace.CostPrecision)
}

func llmDescriptor(deps Deps) node.Descriptor {
	return node.Descriptor{
		Type:        "llm",
		DisplayName: "LLM",
		Category:    node.CategoryLLM,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"model": {"type": "string"},
				"system_prompt": {"type": "string"},
				"template": {"type": "string"},
				"temperature": {"type": "number", "minimum": 0, "maximum": 2},
				"max_tokens": {"type": "integer", "minimum": 1}
			}
		}`),
		Inputs: []node.Field{
			{Name: "query", Description: "prompt or question", Required: true},
			{Name: "context", Description: "supporting context text"},
			{Name: "results", Description: "retrieval results folded into context"},
		},
		Outputs: []node.Field{
			{Name: "response", Description: "generated text", Required: true},
		},
		Factory:   func() node.Node { return llmNode{deps: deps} },
		Retryable: true,
	}
}

type llmNode struct {
	deps Deps
}

func (n llmNode) Execute(ctx context.Context, inputs, config map[string]any, ec *node.ExecutionContext) (node.Result, error) {
	prompt := renderPrompt(inputs, config)
	if prompt == "" {
		return node.Result{}, flowerrors.New(flowerrors.KindMissingInput, "llm requires a query")
	}
	text, usage, cost, err := completeWithSpan(ctx, n.deps, config, ec, "llm", prompt)
	if err != nil {
		return node.Result{}, err
	}
	return node.Result{
		Outputs: map[string]any{"response": text},
		Cost:    cost,
		Tokens:  node.TokenCount{Input: usage.InputTokens, Output: usage.OutputTokens},
	}, nil
}

func chatDescriptor(deps Deps) node.Descriptor {
	return node.Descriptor{
		Type:        "chat",
		DisplayName: "Chat",
		Category:    node.CategoryAgent,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"model": {"type": "string"},
				"system_prompt": {"type": "string"},
				"temperature": {"type": "number", "minimum": 0, "maximum": 2},
				"max_tokens": {"type": "integer", "minimum": 1}
			}
		}`),
		Inputs: []node.Field{
			{Name: "query", Description: "user message", Required: true},
			{Name: "context", Description: "supporting context text"},
			{Name: "results", Description: "retrieval results folded into context"},
			{Name: "index_id", Description: "index the conversation is grounded on"},
		},
		Outputs: []node.Field{
			{Name: "response", Description: "assistant reply", Required: true},
		},
		Factory:   func() node.Node { return chatNode{deps: deps} },
		Retryable: true,
	}
}

type chatNode struct {
	deps Deps
}

func (n chatNode) Execute(ctx context.Context, inputs, config map[string]any, ec *node.ExecutionContext) (node.Result, error) {
	query := stringValue(inputs["query"])
	if query == "" {
		return node.Result{}, flowerrors.New(flowerrors.KindMissingInput, "chat requires a query")
	}
	if ec != nil && ec.Events != nil {
		ec.Events.Emit(events.KindSubAgentStarted, map[string]any{"agent": "chat", "task": "respond"})
		ec.Events.Emit(events.KindSubAgentThinking, map[string]any{"agent": "chat", "task": "respond"})
	}
	prompt := renderPrompt(inputs, config)
	text, usage, cost, err := completeWithSpan(ctx, n.deps, config, ec, "chat", prompt)
	if err != nil {
		return node.Result{}, err
	}
	if ec != nil && ec.Events != nil {
		ec.Events.Emit(events.KindSubAgentCompleted, map[string]any{"agent": "chat", "task": "respond"})
	}
	return node.Result{
		Outputs: map[string]any{"response": text},
		Cost:    cost,
		Tokens:  node.TokenCount{Input: usage.InputTokens, Output: usage.OutputTokens},
	}, nil
}

func blogGeneratorDescriptor(deps Deps) node.Descriptor {
	return node.Descriptor{
		Type:        "blog_generator",
		DisplayName: "Blog Generator",
		Category:    node.CategoryGeneration,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"model": {"type": "string"},
				"tone": {"type": "string"},
				"max_tokens": {"type": "integer", "minimum": 1}
			}
		}`),
		Inputs: []node.Field{
			{Name: "topic", Description: "subject of the post", Required: true},
			{Name: "text", Description: "source material"},
			{Name: "context", Description: "supporting context text"},
		},
		Outputs: []node.Field{
			{Name: "output", Description: "generated post in markdown", Required: true},
		},
		Factory:   func() node.Node { return blogGenerator{deps: deps} },
		Retryable: true,
	}
}

type blogGenerator struct {
	deps Deps
}

func (n blogGenerator) Execute(ctx context.Context, inputs, config map[string]any, ec *node.ExecutionContext) (node.Result, error) {
	topic := stringValue(inputs["topic"])
	if topic == "" {
		return node.Result{}, flowerrors.New(flowerrors.KindMissingInput, "blog_generator requires a topic")
	}
	material := stringValue(inputs["text"])
	if material == "" {
		material = stringValue(inputs["context"])
	}

	if n.deps.Models == nil {
		return node.Result{Outputs: map[string]any{"output": composePost(topic, material)}}, nil
	}

	tone := stringValue(config["tone"])
	if tone == "" {
		tone = "informative"
	}
	prompt := fmt.Sprintf("Write a %s blog post in markdown about: %s", tone, topic)
	if material != "" {
		prompt += "\n\nSource material:\n" + material
	}
	text, usage, cost, err := completeWithSpan(ctx, n.deps, config, ec, "blog_generator", prompt)
	if err != nil {
		return node.Result{}, err
	}
	return node.Result{
		Outputs: map[string]any{"output": text},
		Cost:    cost,
		Tokens:  node.TokenCount{Input: usage.InputTokens, Output: usage.OutputTokens},
	}, nil
}

// composePost is the deterministic fallback used when no model client is
// configured. It keeps generation workflows runnable in tests and airgapped
// deployments.
func composePost(topic, material string) string {
	var b strings.Builder
	b.WriteString("# " + topic + "\n\n")
	if material != "" {
		for _, para := range strings.Split(material, "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			b.WriteString(para + "\n\n")
		}
	} else {
		b.WriteString("_No source material was provided for this topic._\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// renderPrompt fills the "{context}\n{query}" template. A custom template in
// config may reference {query}, {context} and {results}.
func renderPrompt(inputs, config map[string]any) string {
	query := stringValue(inputs["query"])
	contextText := stringValue(inputs["context"])
	resultsText := joinResults(inputs["results"])
	if contextText == "" {
		contextText = resultsText
	} else if resultsText != "" {
		contextText += "\n" + resultsText
	}

	if tmpl := stringValue(config["template"]); tmpl != "" {
		s := strings.ReplaceAll(tmpl, "{query}", query)
		s = strings.ReplaceAll(s, "{context}", contextText)
		return strings.ReplaceAll(s, "{results}", resultsText)
	}
	if contextText == "" {
		return query
	}
	if query == "" {
		return contextText
	}
	return contextText + "\n" + query
}

// joinResults flattens retrieval results into newline-joined text.
func joinResults(v any) string {
	raw, ok := v.([]any)
	if !ok {
		return ""
	}
	var parts []string
	for _, e := range raw {
		if m, ok := e.(map[string]any); ok {
			if t := stringValue(m["text"]); t != "" {
				parts = append(parts, t)
			}
			continue
		}
		if s, ok := e.(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// completeWithSpan invokes the model client, recording an llm_call span
// under the node span and classifying failures.
func completeWithSpan(ctx context.Context, deps Deps, config map[string]any, ec *node.ExecutionContext, name, prompt string) (string, model.TokenUsage, decimal.Decimal, error) {
	if deps.Models == nil {
		return "", model.TokenUsage{}, decimal.Zero, flowerrors.New(flowerrors.KindPermanent, "%s: no model client configured", name)
	}
	modelID := stringValue(config["model"])
	if modelID == "" {
		modelID = deps.DefaultModel
	}
	req := model.Request{Model: modelID, MaxTokens: intConfig(config, "max_tokens", 0)}
	if t, ok := config["temperature"].(float64); ok {
		req.Temperature = float32(t)
	}
	if sys := stringValue(config["system_prompt"]); sys != "" {
		req.Messages = append(req.Messages, model.System(sys))
	}
	req.Messages = append(req.Messages, model.User(prompt))

	var span trace.Span
	started := time.Now()
	if ec != nil && ec.Trace != nil {
		span = trace.Span{
			ID:        uuid.NewString(),
			TraceID:   ec.TraceID,
			ParentID:  ec.SpanID,
			NodeID:    ec.NodeID,
			Type:      trace.SpanLLMCall,
			Name:      name,
			Status:    trace.StatusRunning,
			StartedAt: started,
			Model:     modelID,
		}
		ec.Trace.RecordSpan(span)
	}

	resp, err := deps.Models.Complete(ctx, req)

	cost := costFor(modelID, resp.Usage)
	if ec != nil && ec.Trace != nil {
		span.EndedAt = time.Now()
		span.DurationMS = time.Since(started).Milliseconds()
		span.Cost = cost
		span.Tokens = trace.TokenTotals{}.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)
		if err != nil {
			span.Status = trace.StatusFailed
			span.Error = err.Error()
		} else {
			span.Status = trace.StatusCompleted
		}
		ec.Trace.RecordSpan(span)
	}
	if err != nil {
		if errors.Is(err, model.ErrRateLimited) {
			return "", model.TokenUsage{}, decimal.Zero, flowerrors.Wrap(flowerrors.KindTransient, err, "%s call", name)
		}
		return "", model.TokenUsage{}, decimal.Zero, flowerrors.Wrap(flowerrors.KindOf(err), err, "%s call", name)
	}
	return resp.Text, resp.Usage, cost, nil
}
