package nodes

import (
	"context"
	"encoding/json"

	"github.com/nodeflow/nodeflow/flowerrors"
	"github.com/nodeflow/nodeflow/node"
)

func emailSenderDescriptor(deps Deps) node.Descriptor {
	return node.Descriptor{
		Type:        "email_sender",
		DisplayName: "Email Sender",
		Category:    node.CategoryOutput,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"to": {"type": "string"},
				"subject": {"type": "string"}
			},
			"required": ["to"]
		}`),
		Inputs: []node.Field{
			{Name: "body", Description: "email body", Required: true},
			{Name: "subject", Description: "overrides the configured subject"},
		},
		Outputs: []node.Field{
			{Name: "sent", Description: "whether delivery was attempted", Required: true},
			{Name: "to", Description: "recipient address"},
		},
		Factory:   func() node.Node { return emailSender{sender: deps.Email} },
		Retryable: true,
	}
}

type emailSender struct {
	sender EmailSender
}

func (n emailSender) Execute(ctx context.Context, inputs, config map[string]any, _ *node.ExecutionContext) (node.Result, error) {
	body := stringValue(inputs["body"])
	if body == "" {
		return node.Result{}, flowerrors.New(flowerrors.KindMissingInput, "email_sender requires a body")
	}
	to := stringValue(config["to"])
	if to == "" {
		return node.Result{}, flowerrors.New(flowerrors.KindValidation, "email_sender requires a recipient")
	}
	subject := stringValue(inputs["subject"])
	if subject == "" {
		subject = stringValue(config["subject"])
	}
	if subject == "" {
		subject = "Workflow output"
	}
	if n.sender != nil {
		if err := n.sender.Send(ctx, to, subject, body); err != nil {
			return node.Result{}, flowerrors.Wrap(flowerrors.KindTransient, err, "send email to %s", to)
		}
	}
	return node.Result{Outputs: map[string]any{"sent": n.sender != nil, "to": to}}, nil
}

func slackSenderDescriptor(deps Deps) node.Descriptor {
	return node.Descriptor{
		Type:        "slack_sender",
		DisplayName: "Slack Sender",
		Category:    node.CategoryOutput,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"channel": {"type": "string"}
			},
			"required": ["channel"]
		}`),
		Inputs: []node.Field{
			{Name: "message", Description: "message text", Required: true},
		},
		Outputs: []node.Field{
			{Name: "sent", Description: "whether delivery was attempted", Required: true},
			{Name: "channel", Description: "target channel"},
		},
		Factory:   func() node.Node { return slackSender{sender: deps.Slack} },
		Retryable: true,
	}
}

type slackSender struct {
	sender SlackSender
}

func (n slackSender) Execute(ctx context.Context, inputs, config map[string]any, _ *node.ExecutionContext) (node.Result, error) {
	message := stringValue(inputs["message"])
	if message == "" {
		return node.Result{}, flowerrors.New(flowerrors.KindMissingInput, "slack_sender requires a message")
	}
	channel := stringValue(config["channel"])
	if channel == "" {
		return node.Result{}, flowerrors.New(flowerrors.KindValidation, "slack_sender requires a channel")
	}
	if n.sender != nil {
		if err := n.sender.Post(ctx, channel, message); err != nil {
			return node.Result{}, flowerrors.Wrap(flowerrors.KindTransient, err, "post to %s", channel)
		}
	}
	return node.Result{Outputs: map[string]any{"sent": n.sender != nil, "channel": channel}}, nil
}
