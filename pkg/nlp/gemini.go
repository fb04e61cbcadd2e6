// Package nlp runs the offline text tasks of a call: summarizing the
// finished dialogue and pulling profile details out of it. These happen
// after hangup, so latency is not a concern the way it is on the live path.
package nlp

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/voxline/callbridge/pkg/store"
)

const (
	// noAnswer is what the extraction prompts ask the model to return when
	// the dialogue does not contain the requested detail.
	noAnswer = "NONE"

	summarizePrompt = "Summarize this phone conversation in at most two sentences. " +
		"Mention what the caller wanted and how it was resolved. Reply with the summary only.\n\n%s"
	extractNamePrompt = "From this phone conversation, extract the caller's first name if they stated it. " +
		"Reply with the name only, or " + noAnswer + " if it was never mentioned.\n\n%s"
	extractEmailPrompt = "From this phone conversation, extract the caller's email address if they stated one. " +
		"Reply with the address only, or " + noAnswer + " if it was never mentioned.\n\n%s"
)

type Config struct {
	APIKey string
	Model  string
}

// Client implements the post-call text operations on the Gemini API.
type Client struct {
	client *genai.Client
	model  string
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("text model api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create text model client: %w", err)
	}
	return &Client{client: client, model: cfg.Model}, nil
}

func (c *Client) Summarize(ctx context.Context, dialogue []store.DialogueTurn) (string, error) {
	return c.generate(ctx, fmt.Sprintf(summarizePrompt, FormatDialogue(dialogue)))
}

func (c *Client) ExtractName(ctx context.Context, dialogue []store.DialogueTurn) (string, error) {
	out, err := c.generate(ctx, fmt.Sprintf(extractNamePrompt, FormatDialogue(dialogue)))
	if err != nil {
		return "", err
	}
	return filterNoAnswer(out), nil
}

func (c *Client) ExtractEmail(ctx context.Context, dialogue []store.DialogueTurn) (string, error) {
	out, err := c.generate(ctx, fmt.Sprintf(extractEmailPrompt, FormatDialogue(dialogue)))
	if err != nil {
		return "", err
	}
	out = filterNoAnswer(out)
	if out != "" && !strings.Contains(out, "@") {
		return "", nil
	}
	return strings.ToLower(out), nil
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("text model request: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

// FormatDialogue renders turns as a labeled transcript for prompting.
func FormatDialogue(dialogue []store.DialogueTurn) string {
	var b strings.Builder
	for _, turn := range dialogue {
		label := "Caller"
		if turn.Speaker == store.SpeakerAssistant {
			label = "Agent"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(turn.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func filterNoAnswer(s string) string {
	s = strings.Trim(strings.TrimSpace(s), ".\"'")
	if strings.EqualFold(s, noAnswer) {
		return ""
	}
	return s
}
