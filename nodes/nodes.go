// Package nodes provides the built-in node library: input adapters, the RAG
// chain (chunking, embedding, vector store and retrieval), LLM-backed chat
// and generation nodes, and outbound senders. The engine core treats these
// as ordinary registry entries; nothing here is special-cased.
package nodes

import (
	"context"

	"github.com/nodeflow/nodeflow/display"
	"github.com/nodeflow/nodeflow/model"
	"github.com/nodeflow/nodeflow/node"
)

type (
	// Deps carries the external collaborators the built-in nodes use.
	Deps struct {
		// Models is the default LLM client for chat, llm and generation
		// nodes. When nil, LLM nodes fail with a permanent error and
		// generation nodes fall back to deterministic composition.
		Models model.Client
		// DefaultModel is the model id used when node config does not name
		// one.
		DefaultModel string
		// Indexes is the shared vector index store. A fresh store is
		// created when nil.
		Indexes *IndexStore
		// Email delivers rendered emails. No-op when nil.
		Email EmailSender
		// Slack posts rendered messages. No-op when nil.
		Slack SlackSender
	}

	// EmailSender delivers an email on behalf of an email_sender node.
	EmailSender interface {
		Send(ctx context.Context, to, subject, body string) error
	}

	// SlackSender posts a message on behalf of a slack_sender node.
	SlackSender interface {
		Post(ctx context.Context, channel, message string) error
	}
)

// Register adds every built-in node type to the registry.
func Register(reg *node.Registry, deps Deps) error {
	if deps.Indexes == nil {
		deps.Indexes = NewIndexStore()
	}
	descriptors := []node.Descriptor{
		textInputDescriptor(),
		fileInputDescriptor(),
		chunkingDescriptor(),
		embeddingDescriptor(deps),
		vectorStoreDescriptor(deps),
		vectorSearchDescriptor(deps),
		bm25Descriptor(deps),
		rerankDescriptor(),
		llmDescriptor(deps),
		chatDescriptor(deps),
		blogGeneratorDescriptor(deps),
		emailSenderDescriptor(deps),
		slackSenderDescriptor(deps),
	}
	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// RegisterFormatters adds the display formatters for the built-in types.
func RegisterFormatters(fr *display.Registry) {
	fr.Register("chat", markdownFormatter("response"))
	fr.Register("llm", markdownFormatter("response"))
	fr.Register("blog_generator", markdownFormatter("output"))
	fr.Register("vector_search", resultsTableFormatter)
	fr.Register("bm25_retrieval", resultsTableFormatter)
	fr.Register("rerank", resultsTableFormatter)
}

func markdownFormatter(key string) display.Formatter {
	return func(outputs map[string]any) (display.Metadata, error) {
		v, ok := outputs[key]
		if !ok {
			v = outputs
		}
		return display.Metadata{DisplayType: display.TypeMarkdown, PrimaryContent: v}, nil
	}
}

func resultsTableFormatter(outputs map[string]any) (display.Metadata, error) {
	return display.Metadata{DisplayType: display.TypeTable, PrimaryContent: outputs["results"]}, nil
}
