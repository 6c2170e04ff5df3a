package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"sshconsole/internal/agent"

	"github.com/sashabaranov/go-openai"
)

// reasoningEffortPrefix/legacyReasoningPrefix are the directive lines some
// callers embed in their system instructions to steer the Responses API's
// reasoning.effort request field; both the localized and legacy English
// forms are recognized.
const (
	reasoningEffortPrefix = "推理强度："
	legacyReasoningPrefix = "Reasoning effort:"
)

func extractReasoningEffort(instructions string) string {
	for _, line := range strings.Split(instructions, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, reasoningEffortPrefix):
			return strings.TrimSpace(strings.TrimPrefix(line, reasoningEffortPrefix))
		case strings.HasPrefix(strings.ToLower(line), strings.ToLower(legacyReasoningPrefix)):
			return strings.TrimSpace(strings.TrimPrefix(line, legacyReasoningPrefix))
		}
	}
	return ""
}

type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	WireAPI string
}

type Client struct {
	api        *openai.Client
	model      string
	wire       string
	baseURL    string
	apiKey     string
	httpClient openai.HTTPDoer
}

func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("missing OPENAI_API_KEY")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	base := normalizeBaseURL(cfg.BaseURL)
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &Client{
		api:        openai.NewClientWithConfig(cfg),
		model:      opts.Model,
		wire:       strings.ToLower(strings.TrimSpace(opts.WireAPI)),
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     opts.APIKey,
		httpClient: cfg.HTTPClient,
	}, nil
}

var _ agent.ModelClient = (*Client)(nil)

func (c *Client) resolveModel(model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return c.model
}

func (c *Client) Complete(ctx context.Context, prompt agent.Prompt) (string, error) {
	if c.wire == "responses" {
		return c.completeResponses(ctx, prompt)
	}
	req := openai.ChatCompletionRequest{
		Model:    c.resolveModel(prompt.Model),
		Messages: toWireMessages(prompt.Messages),
		Tools:    toWireTools(prompt.Tools),
		Stream:   false,
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no completion choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) Stream(ctx context.Context, prompt agent.Prompt, onEvent func(agent.StreamEvent)) error {
	if c.wire == "responses" {
		return c.streamResponses(ctx, prompt, onEvent)
	}
	req := openai.ChatCompletionRequest{
		Model:    c.resolveModel(prompt.Model),
		Messages: toWireMessages(prompt.Messages),
		Tools:    toWireTools(prompt.Tools),
		Stream:   true,
	}
	stream, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	calls := newPendingToolCalls()
	var finishReason string
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		for _, choice := range response.Choices {
			if choice.Delta.Content != "" {
				onEvent(agent.StreamEvent{Type: agent.StreamEventTextDelta, Text: choice.Delta.Content})
			}
			for _, tc := range choice.Delta.ToolCalls {
				calls.accumulate(tc)
			}
			if choice.FinishReason != "" {
				finishReason = string(choice.FinishReason)
			}
		}
		if response.Usage != nil {
			onEvent(agent.StreamEvent{Type: agent.StreamEventUsage, Usage: &agent.TokenUsage{
				InputTokens:  int64(response.Usage.PromptTokens),
				OutputTokens: int64(response.Usage.CompletionTokens),
			}})
		}
	}
	calls.flush(onEvent)
	onEvent(agent.StreamEvent{Type: agent.StreamEventCompleted, FinishReason: finishReason})
	return nil
}

// pendingToolCalls accumulates streamed tool-call argument fragments by
// index, mirroring the anthropic client's pendingToolUse accumulation.
type pendingToolCalls struct {
	order []int
	byIdx map[int]*pendingToolCall
}

type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newPendingToolCalls() *pendingToolCalls {
	return &pendingToolCalls{byIdx: make(map[int]*pendingToolCall)}
}

func (p *pendingToolCalls) accumulate(tc openai.ToolCall) {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	entry, ok := p.byIdx[idx]
	if !ok {
		entry = &pendingToolCall{}
		p.byIdx[idx] = entry
		p.order = append(p.order, idx)
	}
	if tc.ID != "" {
		entry.id = tc.ID
	}
	if tc.Function.Name != "" {
		entry.name = tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		entry.args.WriteString(tc.Function.Arguments)
	}
}

func (p *pendingToolCalls) flush(onEvent func(agent.StreamEvent)) {
	for _, idx := range p.order {
		entry := p.byIdx[idx]
		if entry == nil || entry.name == "" {
			continue
		}
		raw := functionCallItem(entry.name, entry.id, entry.args.String())
		if len(raw) == 0 {
			continue
		}
		onEvent(agent.StreamEvent{Type: agent.StreamEventItem, Item: raw})
	}
}

func functionCallItem(name, callID, args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		args = "{}"
	}
	payload := map[string]any{
		"type":      "function_call",
		"name":      name,
		"arguments": args,
		"call_id":   callID,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return raw
}

func toWireMessages(msgs []agent.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		switch {
		case msg.ToolResult != nil:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.ToolResult.Content,
				ToolCallID: msg.ToolResult.ToolUseID,
			})
		case msg.ToolUse != nil:
			out = append(out, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   msg.ToolUse.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      msg.ToolUse.Name,
						Arguments: string(msg.ToolUse.Input),
					},
				}},
			})
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return out
}

func toWireTools(specs []agent.ToolSpec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		})
	}
	return out
}

func (c *Client) httpDo(req *http.Request) (*http.Response, error) {
	client := c.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

func (c *Client) completeResponses(ctx context.Context, prompt agent.Prompt) (string, error) {
	reqPayload := buildResponsesRequest(prompt, c.resolveModel(prompt.Model), false)
	endpoint := strings.TrimRight(c.baseURL, "/") + "/responses"
	body, err := json.Marshal(reqPayload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpDo(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("http_%d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var decoded responsesResponsePayload
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	if text := decoded.OutputText; text != "" {
		return text, nil
	}
	for _, out := range decoded.Output {
		for _, content := range out.Content {
			if content.Text != "" {
				return content.Text, nil
			}
		}
	}
	return "", errors.New("responses api returned no text")
}

func (c *Client) streamResponses(ctx context.Context, prompt agent.Prompt, onEvent func(agent.StreamEvent)) error {
	reqPayload := buildResponsesRequest(prompt, c.resolveModel(prompt.Model), true)
	endpoint := strings.TrimRight(c.baseURL, "/") + "/responses"
	body, err := json.Marshal(reqPayload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpDo(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http_%d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var sawText bool
	var dataLines []string
	flush := func() (bool, error) {
		if len(dataLines) == 0 {
			return false, nil
		}
		data := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		return c.handleResponsesEvent(data, onEvent, &sawText)
	}
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
		if strings.TrimSpace(line) != "" {
			continue
		}
		done, err := flush()
		if err != nil {
			return err
		}
		if done {
			onEvent(agent.StreamEvent{Type: agent.StreamEventCompleted})
			return nil
		}
	}
	if done, err := flush(); err != nil {
		return err
	} else if done {
		onEvent(agent.StreamEvent{Type: agent.StreamEventCompleted})
		return nil
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	onEvent(agent.StreamEvent{Type: agent.StreamEventCompleted})
	return nil
}

func (c *Client) handleResponsesEvent(data string, onEvent func(agent.StreamEvent), sawText *bool) (bool, error) {
	payload := strings.TrimSpace(data)
	if payload == "" {
		return false, nil
	}
	if payload == "[DONE]" {
		return true, nil
	}
	var event responsesSSE
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return false, err
	}
	if event.Error != nil && event.Error.Message != "" {
		return false, errors.New(event.Error.Message)
	}
	if event.Response != nil && event.Response.Error != nil && event.Response.Error.Message != "" {
		return false, errors.New(event.Response.Error.Message)
	}
	text := extractResponsesText(event)
	if text != "" && !(event.Type == "response.completed" && *sawText) {
		onEvent(agent.StreamEvent{Type: agent.StreamEventTextDelta, Text: text})
		*sawText = true
	}
	switch event.Type {
	case "response.output_text.delta":
	case "response.completed":
		return true, nil
	}
	return false, nil
}

type responsesRequest struct {
	Model        string             `json:"model"`
	Instructions string             `json:"instructions,omitempty"`
	Input        []responsesMessage `json:"input"`
	Stream       bool               `json:"stream"`
	Reasoning    map[string]string  `json:"reasoning,omitempty"`
	Text         *responsesTextOpts `json:"text,omitempty"`
}

type responsesTextOpts struct {
	Format responsesTextFormat `json:"format"`
}

type responsesTextFormat struct {
	Type   string         `json:"type"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type responsesMessage struct {
	Role    string              `json:"role"`
	Content []responsesFragment `json:"content"`
}

type responsesFragment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesSSE struct {
	Type       string                 `json:"type"`
	Delta      string                 `json:"delta"`
	Output     []responsesOutputBlock `json:"output"`
	OutputText string                 `json:"output_text"`
	Response   *responsesResponseBody `json:"response"`
	Item       *responsesOutputBlock  `json:"item"`
	Error      *responsesError        `json:"error"`
}

type responsesResponseBody struct {
	OutputText string                 `json:"output_text"`
	Output     []responsesOutputBlock `json:"output"`
	Error      *responsesError        `json:"error"`
}

type responsesOutputBlock struct {
	Content []responsesFragment `json:"content"`
}

type responsesError struct {
	Message string `json:"message"`
}

type responsesResponsePayload struct {
	OutputText string                 `json:"output_text"`
	Output     []responsesOutputBlock `json:"output"`
	Error      *responsesError        `json:"error"`
}

func extractResponsesText(event responsesSSE) string {
	if event.Delta != "" {
		return event.Delta
	}
	if event.OutputText != "" {
		return event.OutputText
	}
	if event.Response != nil {
		if event.Response.OutputText != "" {
			return event.Response.OutputText
		}
		for _, out := range event.Response.Output {
			for _, frag := range out.Content {
				if frag.Text != "" {
					return frag.Text
				}
			}
		}
	}
	if event.Item != nil {
		for _, frag := range event.Item.Content {
			if frag.Text != "" {
				return frag.Text
			}
		}
	}
	for _, out := range event.Output {
		for _, frag := range out.Content {
			if frag.Text != "" {
				return frag.Text
			}
		}
	}
	return ""
}

func buildResponsesRequest(prompt agent.Prompt, model string, stream bool) responsesRequest {
	instructions, convo := splitInstructions(prompt.Messages)
	items := make([]responsesMessage, 0, len(convo))
	for _, msg := range convo {
		text := msg.Content
		if msg.ToolResult != nil {
			text = msg.ToolResult.Content
		}
		items = append(items, responsesMessage{
			Role:    string(msg.Role),
			Content: []responsesFragment{{Type: fragmentTypeForRole(msg.Role), Text: text}},
		})
	}
	req := responsesRequest{
		Model:        model,
		Instructions: instructions,
		Input:        items,
		Stream:       stream,
	}
	if effort := extractReasoningEffort(instructions); effort != "" {
		req.Reasoning = map[string]string{"effort": effort}
	}
	if schema := strings.TrimSpace(prompt.OutputSchema); schema != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(schema), &parsed); err == nil {
			req.Text = &responsesTextOpts{Format: responsesTextFormat{Type: "json_schema", Strict: true, Schema: parsed}}
		}
	}
	return req
}

func splitInstructions(messages []agent.Message) (string, []agent.Message) {
	var instructions []string
	convo := make([]agent.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == agent.RoleSystem {
			instructions = append(instructions, strings.TrimSpace(msg.Content))
			continue
		}
		convo = append(convo, msg)
	}
	return strings.Join(instructions, "\n\n"), convo
}

func fragmentTypeForRole(role agent.Role) string {
	switch role {
	case agent.RoleAssistant:
		return "output_text"
	default:
		return "input_text"
	}
}
