package nodes

import (
	"context"
	"encoding/json"

	"github.com/nodeflow/nodeflow/flowerrors"
	"github.com/nodeflow/nodeflow/node"
)

func textInputDescriptor() node.Descriptor {
	return node.Descriptor{
		Type:        "text_input",
		DisplayName: "Text Input",
		Category:    node.CategoryInput,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string"}
			}
		}`),
		Inputs: []node.Field{
			{Name: "text", Description: "text provided at execution start"},
		},
		Outputs: []node.Field{
			{Name: "text", Description: "the entered text", Required: true},
		},
		Factory: func() node.Node { return textInput{} },
	}
}

type textInput struct{}

func (textInput) Execute(_ context.Context, inputs, config map[string]any, _ *node.ExecutionContext) (node.Result, error) {
	text := stringValue(inputs["text"])
	if text == "" {
		text = stringValue(config["text"])
	}
	if text == "" {
		return node.Result{}, flowerrors.New(flowerrors.KindValidation, "text_input requires a text value")
	}
	return node.Result{Outputs: map[string]any{"text": text}}, nil
}

func fileInputDescriptor() node.Descriptor {
	return node.Descriptor{
		Type:        "file_input",
		DisplayName: "File Input",
		Category:    node.CategoryInput,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string"},
				"file_name": {"type": "string"},
				"file_type": {"type": "string"}
			}
		}`),
		Inputs: []node.Field{
			{Name: "text", Description: "extracted file content"},
		},
		Outputs: []node.Field{
			{Name: "text", Description: "extracted file content", Required: true},
			{Name: "file_name", Description: "original file name"},
			{Name: "file_type", Description: "detected content type"},
		},
		Factory: func() node.Node { return fileInput{} },
	}
}

// fileInput surfaces already-extracted file content. Upload, storage and
// text extraction happen in the transport layer before execution starts.
type fileInput struct{}

func (fileInput) Execute(_ context.Context, inputs, config map[string]any, _ *node.ExecutionContext) (node.Result, error) {
	text := stringValue(inputs["text"])
	if text == "" {
		text = stringValue(config["text"])
	}
	if text == "" {
		return node.Result{}, flowerrors.New(flowerrors.KindValidation, "file_input has no extracted content")
	}
	out := map[string]any{"text": text}
	if v := stringValue(config["file_name"]); v != "" {
		out["file_name"] = v
	}
	if v := stringValue(config["file_type"]); v != "" {
		out["file_type"] = v
	}
	return node.Result{Outputs: out}, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
