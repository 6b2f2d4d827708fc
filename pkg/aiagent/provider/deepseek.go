package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const deepSeekBaseURL = "https://api.deepseek.com"

// DeepSeek calls the OpenAI-compatible chat completions endpoint.
type DeepSeek struct {
	opts Options
}

// NewDeepSeek creates the alternate vendor provider.
func NewDeepSeek(opts Options) *DeepSeek {
	opts.defaults()
	if opts.Model == "" {
		opts.Model = "deepseek-chat"
	}
	if opts.BaseURL == "" {
		opts.BaseURL = deepSeekBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	opts.Logger = opts.Logger.With("component", "provider", "provider", "deepseek")
	return &DeepSeek{opts: opts}
}

func (p *DeepSeek) Name() string { return "deepseek" }

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type oaiRequest struct {
	Model     string       `json:"model"`
	Messages  []oaiMessage `json:"messages"`
	Tools     []oaiTool    `json:"tools,omitempty"`
	MaxTokens int          `json:"max_tokens"`
}

type oaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string        `json:"content"`
			ToolCalls []oaiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete sends req and returns the reply text and the first tool call.
func (p *DeepSeek) Complete(ctx context.Context, req Request) (*Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.opts.MaxTokens
	}
	body, err := json.Marshal(oaiRequest{
		Model:     p.opts.Model,
		Messages:  oaiMessages(req.System, req.Messages),
		Tools:     oaiTools(req.Tools),
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c, err := withRetry(ctx, p.Name(), p.opts, func(ctx context.Context) (*Completion, error) {
		return p.post(ctx, body)
	})
	if err != nil {
		p.opts.Logger.Warn("API error", "model", p.opts.Model, "error", err)
		return nil, err
	}
	return c, nil
}

func (p *DeepSeek) post(ctx context.Context, body []byte) (*Completion, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.opts.APIKey)

	resp, err := p.opts.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4*maxReplyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: parseRetryAfter(resp.Header, time.Now()),
		}
	}

	var out oaiResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &Error{Kind: BadResponse, Provider: p.Name(), Message: "undecodable response", Err: err}
	}
	if len(out.Choices) == 0 {
		return nil, &Error{Kind: BadResponse, Provider: p.Name(), Message: "no choices in response"}
	}

	msg := out.Choices[0].Message
	var action *Action
	if len(msg.ToolCalls) > 0 {
		tc := msg.ToolCalls[0]
		var input map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return nil, &Error{Kind: BadResponse, Provider: p.Name(), Message: "undecodable tool arguments", Err: err}
			}
		}
		action = &Action{ID: tc.ID, Tool: tc.Function.Name, Args: stringArgs(input)}
	}
	return finish(p.Name(), out.Model, msg.Content, action)
}

func oaiMessages(system string, msgs []Message) []oaiMessage {
	out := make([]oaiMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, oaiMessage{Role: "system", Content: system})
	}
	for _, m := range msgs {
		switch {
		case m.Result != nil:
			out = append(out, oaiMessage{Role: "tool", Content: m.Result.Output, ToolCallID: m.Result.ActionID})
			if m.Text != "" {
				out = append(out, oaiMessage{Role: "user", Content: m.Text})
			}
		case m.Action != nil:
			args, _ := json.Marshal(m.Action.Args)
			tc := oaiToolCall{ID: m.Action.ID, Type: "function"}
			tc.Function.Name = m.Action.Tool
			tc.Function.Arguments = string(args)
			out = append(out, oaiMessage{Role: "assistant", Content: m.Text, ToolCalls: []oaiToolCall{tc}})
		default:
			out = append(out, oaiMessage{Role: m.Role, Content: m.Text})
		}
	}
	return out
}

func oaiTools(tools []Tool) []oaiTool {
	out := make([]oaiTool, 0, len(tools))
	for _, t := range tools {
		props, required := t.schema()
		var ot oaiTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		params := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			params["required"] = required
		}
		ot.Function.Parameters = params
		out = append(out, ot)
	}
	return out
}
