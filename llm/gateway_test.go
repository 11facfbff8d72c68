package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/smallnest/planflow/registry"
)

// scriptedModel returns canned responses in order and records the
// message history of every call.
type scriptedModel struct {
	responses []*llms.ContentResponse
	errs      []error
	callCount int
	calls     [][]llms.MessageContent
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	idx := m.callCount
	m.callCount++
	m.calls = append(m.calls, messages)

	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx >= len(m.responses) {
		return nil, fmt.Errorf("scripted model exhausted after %d calls", len(m.responses))
	}
	return m.responses[idx], nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func textResponse(content string) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: content}},
	}
}

func toolCallResponse(content string, calls ...llms.ToolCall) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: content, ToolCalls: calls}},
	}
}

// fakeTool is a scripted tools.Tool implementation
type fakeTool struct {
	name   string
	output string
	err    error
	inputs []string
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake " + f.name }
func (f *fakeTool) Call(ctx context.Context, input string) (string, error) {
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return "", f.err
	}
	return f.output, nil
}

const validPlanJSON = `{
	"thinking": "Two stages: research, then report.",
	"steps": [
		{"description": "Search for recent coverage", "expected_tools": ["web_search"], "requires_approval": false},
		{"description": "Email the summary to a@b.com", "expected_tools": ["send_mail"], "requires_approval": true, "approval_reason": "sending mail requires confirmation"}
	]
}`

func TestChatGateway_Plan(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse("```json\n" + validPlanJSON + "\n```"),
	}}
	g := NewChatGateway(model)

	plan, err := g.Plan(context.Background(), PlanRequest{Request: "research and email"})
	require.NoError(t, err)
	assert.Equal(t, "Two stages: research, then report.", plan.Thinking)
	require.Len(t, plan.Steps, 2)
	assert.True(t, plan.Steps[1].RequiresApproval)
	assert.Equal(t, []string{"web_search"}, plan.Steps[0].ExpectedTools)
	assert.Equal(t, 1, model.callCount)

	// Prompt carries the output schema
	sysText := messageText(model.calls[0][0])
	assert.Contains(t, sysText, "workflow planner")
	assert.Contains(t, sysText, `"steps"`)
}

func TestChatGateway_Plan_CorrectiveRetry(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse("I think the plan should be..."),
		textResponse(validPlanJSON),
	}}
	g := NewChatGateway(model)

	plan, err := g.Plan(context.Background(), PlanRequest{Request: "research and email"})
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 2)
	assert.Equal(t, 2, model.callCount)

	// Second call carries the rejected output and a corrective message
	second := model.calls[1]
	last := messageText(second[len(second)-1])
	assert.Contains(t, last, "rejected")
}

func TestChatGateway_Plan_AttemptsExhausted(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse("nope"),
		textResponse(`{"thinking": "x", "steps": []}`),
		textResponse("still nope"),
	}}
	g := NewChatGateway(model)

	_, err := g.Plan(context.Background(), PlanRequest{Request: "anything"})
	var perr *PlannerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.Attempts)
	assert.Equal(t, 3, model.callCount)
}

func TestChatGateway_Plan_ContextSummary(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse(validPlanJSON),
	}}
	g := NewChatGateway(model)

	history := []Turn{
		{Role: "user", Content: "research solid state batteries"},
		{Role: "assistant", Content: "done, three key findings"},
		{Role: "user", Content: "thanks"},
		{Role: "assistant", Content: "anytime"},
	}
	_, err := g.Plan(context.Background(), PlanRequest{
		Request: "email those results to a@b.com",
		History: history,
	})
	require.NoError(t, err)

	var found bool
	for _, msg := range model.calls[0] {
		if strings.Contains(messageText(msg), "Conversation context") {
			found = true
			assert.Contains(t, messageText(msg), "three key findings")
		}
	}
	assert.True(t, found, "planner prompt should include the history summary")
}

func TestChatGateway_Plan_NoSummaryForShortHistory(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse(validPlanJSON),
	}}
	g := NewChatGateway(model)

	_, err := g.Plan(context.Background(), PlanRequest{
		Request: "summarize doc X",
		History: []Turn{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)

	for _, msg := range model.calls[0] {
		assert.NotContains(t, messageText(msg), "Conversation context")
	}
}

func TestChatGateway_ExecuteStep_DirectAnswer(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse("Summarized the document into three points."),
	}}
	g := NewChatGateway(model)

	res, err := g.ExecuteStep(context.Background(), StepRequest{
		StepNumber:  1,
		TotalSteps:  2,
		Description: "Summarize doc X",
	})
	require.NoError(t, err)
	assert.Equal(t, "Summarized the document into three points.", res.Text)
	assert.Empty(t, res.ToolOutputs)
}

func TestChatGateway_ExecuteStep_ToolLoop(t *testing.T) {
	t.Parallel()

	searchOutput := `{"results":[{"title":"Battery News","url":"https://news.example.org/a","domain":"news.example.org"}]}`
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("Searching for coverage first.", llms.ToolCall{
			ID:   "call-1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "web_search",
				Arguments: `{"input":"solid state batteries"}`,
			},
		}),
		textResponse("Found one relevant article."),
	}}
	tool := &fakeTool{name: "web_search", output: searchOutput}
	g := NewChatGateway(model)

	res, err := g.ExecuteStep(context.Background(), StepRequest{
		StepNumber:  1,
		TotalSteps:  2,
		Description: "Research solid state batteries",
		Tools: []registry.Tool{
			{Name: "web_search", Description: "search", Impl: tool, Class: registry.ApprovalSilent},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Found one relevant article.", res.Text)
	assert.Contains(t, res.Rationale, "Searching for coverage first.")
	require.Len(t, res.ToolOutputs, 1)
	assert.Equal(t, "web_search", res.ToolOutputs[0].Tool)
	assert.Equal(t, []string{"solid state batteries"}, tool.inputs)

	require.Len(t, res.SearchResults, 1)
	assert.Equal(t, "news.example.org", res.SearchResults[0].Domain)
	assert.NotEmpty(t, res.SearchResults[0].Favicon)

	// Round two sees the tool response
	second := model.calls[1]
	lastMsg := second[len(second)-1]
	assert.Equal(t, llms.ChatMessageTypeTool, lastMsg.Role)
}

func TestChatGateway_ExecuteStep_UnknownTool(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("", llms.ToolCall{
			ID:   "call-1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "create_document",
				Arguments: `{"input":"{}"}`,
			},
		}),
	}}
	g := NewChatGateway(model)

	_, err := g.ExecuteStep(context.Background(), StepRequest{
		StepNumber:  1,
		TotalSteps:  1,
		Description: "Write it up",
		Tools: []registry.Tool{
			{Name: "web_search", Impl: &fakeTool{name: "web_search"}},
		},
	})
	var ute *UnknownToolError
	require.ErrorAs(t, err, &ute)
	assert.Equal(t, "create_document", ute.Tool)
}

func TestChatGateway_ExecuteStep_ToolFailure(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("", llms.ToolCall{
			ID:   "call-1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "web_search",
				Arguments: `{"input":"q"}`,
			},
		}),
	}}
	tool := &fakeTool{name: "web_search", err: errors.New("connection reset by peer")}
	g := NewChatGateway(model)

	_, err := g.ExecuteStep(context.Background(), StepRequest{
		StepNumber:  2,
		TotalSteps:  3,
		Description: "Research",
		Tools:       []registry.Tool{{Name: "web_search", Impl: tool}},
	})
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 2, ee.StepNumber)
}

func TestChatGateway_ExecuteStep_RoundCap(t *testing.T) {
	t.Parallel()

	loop := toolCallResponse("", llms.ToolCall{
		ID:   "call-n",
		Type: "function",
		FunctionCall: &llms.FunctionCall{
			Name:      "web_search",
			Arguments: `{"input":"again"}`,
		},
	})
	model := &scriptedModel{responses: []*llms.ContentResponse{loop, loop, loop}}
	g := NewChatGateway(model, WithToolRounds(2))

	_, err := g.ExecuteStep(context.Background(), StepRequest{
		StepNumber:  1,
		TotalSteps:  1,
		Description: "Research",
		Tools:       []registry.Tool{{Name: "web_search", Impl: &fakeTool{name: "web_search", output: "{}"}}},
	})
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, ee.Error(), "tool loop exceeded")
	assert.Equal(t, 2, model.callCount)
}

func TestChatGateway_ExecuteStep_PromptContext(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse("done"),
	}}
	g := NewChatGateway(model)

	_, err := g.ExecuteStep(context.Background(), StepRequest{
		StepNumber:      2,
		TotalSteps:      2,
		Description:     "Email the summary",
		PreviousResults: []string{"Step 1: found three key points"},
		AdvisoryNote:    "posting to shared channels is visible to others",
		ApprovedPayload: `{"to":"c@d.com"}`,
	})
	require.NoError(t, err)

	sysText := messageText(model.calls[0][0])
	assert.Contains(t, sysText, "STEP 2 OF 2")
	assert.Contains(t, sysText, "found three key points")
	assert.Contains(t, sysText, "CAUTION")

	last := messageText(model.calls[0][len(model.calls[0])-1])
	assert.Contains(t, last, `c@d.com`)
}

func messageText(msg llms.MessageContent) string {
	var sb strings.Builder
	for _, part := range msg.Parts {
		if tp, ok := part.(llms.TextContent); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}
