package registry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const sendMailDescription = "Send an email through the caller's Gmail account. " +
	`Input is JSON: {"to": "...", "subject": "...", "body": "..."}.`

const createDocumentDescription = "Create a Google Doc in the caller's account. " +
	`Input is JSON: {"title": "...", "content": "..."}.`

const createEventDescription = "Create a Google Calendar event. " +
	`Input is JSON: {"summary": "...", "start": "RFC3339", "end": "RFC3339", "attendees": ["a@b.com"]}.`

const postMessageDescription = "Post a message to a Slack channel. " +
	`Input is JSON: {"channel": "...", "text": "..."}.`

// workspaceClient is the shared HTTP plumbing for the token-bearing tools
type workspaceClient struct {
	token  string
	client *http.Client
}

func newWorkspaceClient(token string) workspaceClient {
	return workspaceClient{
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (w workspaceClient) postJSON(ctx context.Context, url string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.token)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("api returned status %d: %.200s", resp.StatusCode, data)
	}
	return data, nil
}

// SendMail sends email through the Gmail API
type SendMail struct {
	BaseURL string
	ws      workspaceClient
}

// NewSendMail creates the send_mail tool bound to a caller token
func NewSendMail(token string) *SendMail {
	return &SendMail{
		BaseURL: "https://gmail.googleapis.com/gmail/v1/users/me/messages/send",
		ws:      newWorkspaceClient(token),
	}
}

// Name returns the name of the tool
func (s *SendMail) Name() string { return "send_mail" }

// Description returns the description of the tool
func (s *SendMail) Description() string { return sendMailDescription }

// Call sends the message
func (s *SendMail) Call(ctx context.Context, input string) (string, error) {
	var in struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", fmt.Errorf("send_mail input must be JSON with to/subject/body: %w", err)
	}
	if in.To == "" {
		return "", fmt.Errorf("send_mail requires a recipient")
	}

	rfc822 := fmt.Sprintf("To: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		in.To, in.Subject, in.Body)
	raw := base64.URLEncoding.EncodeToString([]byte(rfc822))

	data, err := s.ws.postJSON(ctx, s.BaseURL, map[string]string{"raw": raw})
	if err != nil {
		return "", err
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &out); err == nil && out.ID != "" {
		return fmt.Sprintf("Mail sent to %s (message id %s)", in.To, out.ID), nil
	}
	return fmt.Sprintf("Mail sent to %s", in.To), nil
}

// CreateDocument creates a document through the Google Docs API
type CreateDocument struct {
	BaseURL string
	ws      workspaceClient
}

// NewCreateDocument creates the create_document tool bound to a caller token
func NewCreateDocument(token string) *CreateDocument {
	return &CreateDocument{
		BaseURL: "https://docs.googleapis.com/v1/documents",
		ws:      newWorkspaceClient(token),
	}
}

// Name returns the name of the tool
func (c *CreateDocument) Name() string { return "create_document" }

// Description returns the description of the tool
func (c *CreateDocument) Description() string { return createDocumentDescription }

// Call creates the document and inserts the content when present
func (c *CreateDocument) Call(ctx context.Context, input string) (string, error) {
	var in struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", fmt.Errorf("create_document input must be JSON with title/content: %w", err)
	}
	if in.Title == "" {
		return "", fmt.Errorf("create_document requires a title")
	}

	data, err := c.ws.postJSON(ctx, c.BaseURL, map[string]string{"title": in.Title})
	if err != nil {
		return "", err
	}

	var created struct {
		DocumentID string `json:"documentId"`
	}
	if err := json.Unmarshal(data, &created); err != nil || created.DocumentID == "" {
		return "", fmt.Errorf("docs api returned no document id")
	}

	if in.Content != "" {
		batch := map[string]any{
			"requests": []map[string]any{
				{
					"insertText": map[string]any{
						"location": map[string]any{"index": 1},
						"text":     in.Content,
					},
				},
			},
		}
		if _, err := c.ws.postJSON(ctx, c.BaseURL+"/"+created.DocumentID+":batchUpdate", batch); err != nil {
			return "", fmt.Errorf("document created but content insert failed: %w", err)
		}
	}

	return fmt.Sprintf("Document %q created: https://docs.google.com/document/d/%s/edit",
		in.Title, created.DocumentID), nil
}

// CreateEvent creates an event through the Google Calendar API
type CreateEvent struct {
	BaseURL string
	ws      workspaceClient
}

// NewCreateEvent creates the create_event tool bound to a caller token
func NewCreateEvent(token string) *CreateEvent {
	return &CreateEvent{
		BaseURL: "https://www.googleapis.com/calendar/v3/calendars/primary/events",
		ws:      newWorkspaceClient(token),
	}
}

// Name returns the name of the tool
func (c *CreateEvent) Name() string { return "create_event" }

// Description returns the description of the tool
func (c *CreateEvent) Description() string { return createEventDescription }

// Call creates the event
func (c *CreateEvent) Call(ctx context.Context, input string) (string, error) {
	var in struct {
		Summary   string   `json:"summary"`
		Start     string   `json:"start"`
		End       string   `json:"end"`
		Attendees []string `json:"attendees"`
	}
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", fmt.Errorf("create_event input must be JSON with summary/start/end: %w", err)
	}
	if in.Summary == "" || in.Start == "" || in.End == "" {
		return "", fmt.Errorf("create_event requires summary, start and end")
	}

	attendees := make([]map[string]string, 0, len(in.Attendees))
	for _, a := range in.Attendees {
		attendees = append(attendees, map[string]string{"email": a})
	}

	body := map[string]any{
		"summary": in.Summary,
		"start":   map[string]string{"dateTime": in.Start},
		"end":     map[string]string{"dateTime": in.End},
	}
	if len(attendees) > 0 {
		body["attendees"] = attendees
	}

	data, err := c.ws.postJSON(ctx, c.BaseURL, body)
	if err != nil {
		return "", err
	}

	var created struct {
		ID       string `json:"id"`
		HTMLLink string `json:"htmlLink"`
	}
	if err := json.Unmarshal(data, &created); err == nil && created.HTMLLink != "" {
		return fmt.Sprintf("Event %q created: %s", in.Summary, created.HTMLLink), nil
	}
	return fmt.Sprintf("Event %q created", in.Summary), nil
}

// PostMessage posts to a Slack channel
type PostMessage struct {
	BaseURL string
	ws      workspaceClient
}

// NewPostMessage creates the post_message tool bound to a caller token
func NewPostMessage(token string) *PostMessage {
	return &PostMessage{
		BaseURL: "https://slack.com/api/chat.postMessage",
		ws:      newWorkspaceClient(token),
	}
}

// Name returns the name of the tool
func (p *PostMessage) Name() string { return "post_message" }

// Description returns the description of the tool
func (p *PostMessage) Description() string { return postMessageDescription }

// Call posts the message
func (p *PostMessage) Call(ctx context.Context, input string) (string, error) {
	var in struct {
		Channel string `json:"channel"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", fmt.Errorf("post_message input must be JSON with channel/text: %w", err)
	}
	if in.Channel == "" || in.Text == "" {
		return "", fmt.Errorf("post_message requires channel and text")
	}

	data, err := p.ws.postJSON(ctx, p.BaseURL, map[string]string{
		"channel": in.Channel,
		"text":    in.Text,
	})
	if err != nil {
		return "", err
	}

	// Slack reports failures with 200 + {"ok": false}
	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		TS    string `json:"ts"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to decode slack response: %w", err)
	}
	if !out.OK {
		return "", fmt.Errorf("slack api error: %s", out.Error)
	}
	return fmt.Sprintf("Message posted to %s (ts %s)", in.Channel, out.TS), nil
}
