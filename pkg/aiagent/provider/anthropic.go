package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic calls the hosted Messages API with an API key. SDK retries
// are disabled; withRetry applies the bounded delay sequence instead.
type Anthropic struct {
	client anthropic.Client
	opts   Options
}

// NewAnthropic creates the hosted API-key provider.
func NewAnthropic(opts Options) *Anthropic {
	opts.defaults()
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-6"
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(opts.HTTPClient),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	opts.Logger = opts.Logger.With("component", "provider", "provider", "anthropic")
	return &Anthropic{client: anthropic.NewClient(reqOpts...), opts: opts}
}

func (p *Anthropic) Name() string { return "anthropic" }

// Complete sends req and returns the reply text and the first tool call.
func (p *Anthropic) Complete(ctx context.Context, req Request) (*Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.opts.MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.opts.Model),
		MaxTokens: int64(maxTokens),
		Messages:  anthropicMessages(req.Messages),
		Tools:     anthropicTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	start := time.Now()
	c, err := withRetry(ctx, p.Name(), p.opts, func(ctx context.Context) (*Completion, error) {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			var apiErr *anthropic.Error
			if errors.As(err, &apiErr) {
				se := &statusError{StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
				if apiErr.Response != nil {
					se.RetryAfter = parseRetryAfter(apiErr.Response.Header, time.Now())
				}
				return nil, se
			}
			return nil, err
		}

		var text string
		var action *Action
		for _, block := range msg.Content {
			switch v := block.AsAny().(type) {
			case anthropic.TextBlock:
				text += v.Text
			case anthropic.ToolUseBlock:
				if action != nil {
					continue
				}
				var input map[string]any
				if len(v.Input) > 0 {
					if err := json.Unmarshal(v.Input, &input); err != nil {
						return nil, &Error{Kind: BadResponse, Provider: p.Name(), Message: "undecodable tool input", Err: err}
					}
				}
				action = &Action{ID: v.ID, Tool: v.Name, Args: stringArgs(input)}
			}
		}
		return finish(p.Name(), string(msg.Model), text, action)
	})
	if err != nil {
		p.opts.Logger.Warn("API error", "model", p.opts.Model, "error", err)
		return nil, err
	}
	p.opts.Logger.Debug("completion", "model", c.Model, "duration_ms", time.Since(start).Milliseconds(), "action", c.Action != nil)
	return c, nil
}

func anthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		if m.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Text))
		}
		if m.Action != nil {
			input := make(map[string]any, len(m.Action.Args))
			for k, v := range m.Action.Args {
				input[k] = v
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(m.Action.ID, input, m.Action.Tool))
		}
		if m.Result != nil {
			blocks = append(blocks, anthropic.NewToolResultBlock(m.Result.ActionID, m.Result.Output, m.Result.IsError))
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func anthropicTools(tools []Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		props, required := t.schema()
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: props, Required: required},
			},
		})
	}
	return out
}
