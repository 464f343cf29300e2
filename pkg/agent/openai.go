package agent

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultMaxIterations = 10

// OpenAIEngine streams chat completions from the OpenAI API, running the
// tool-dispatch loop until the model stops requesting tools.
type OpenAIEngine struct {
	client openai.Client
	model  string
}

// NewOpenAIEngine creates an engine for the given model. baseURL is optional
// and supports OpenAI-compatible endpoints.
func NewOpenAIEngine(apiKey, model, baseURL string) *OpenAIEngine {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEngine{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (e *OpenAIEngine) Run(ctx context.Context, req Request, out chan<- Chunk) error {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.Parameters),
			},
		})
	}

	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(e.model),
			Messages: messages,
		}
		if len(tools) > 0 {
			params.Tools = tools
		}

		stream := e.client.Chat.Completions.NewStreaming(ctx, params)
		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) > 0 {
				if delta := chunk.Choices[0].Delta.Content; delta != "" {
					out <- Chunk{Type: ChunkTypeText, Content: delta}
				}
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("completion stream failed: %w", err)
		}
		if len(acc.Choices) == 0 {
			return nil
		}

		message := acc.Choices[0].Message
		if len(message.ToolCalls) == 0 {
			return nil
		}

		messages = append(messages, message.ToParam())
		for _, tc := range message.ToolCalls {
			result := e.dispatch(ctx, req, tc.Function.Name, []byte(tc.Function.Arguments))
			messages = append(messages, openai.ToolMessage(result, tc.ID))
		}
	}
	return nil
}

// dispatch parses and executes one tool call, folding failures into the tool
// result so the model can react to them.
func (e *OpenAIEngine) dispatch(ctx context.Context, req Request, name string, arguments []byte) string {
	call, err := ParseToolCall(name, arguments)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if req.Handler == nil {
		return "error: no tool handler configured"
	}
	result, err := req.Handler(ctx, call)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return result
}
