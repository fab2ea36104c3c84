// Package llm wraps the Gemini API behind the small surfaces the chat and
// knowledge services consume: chat completion over history, title
// generation, and text embeddings.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/nanochat/nanochat/internal/conversation"
)

const chatSystemInstruction = "You are a helpful assistant. Answer the user's questions clearly and " +
	"concisely. If you do not know the answer, say so instead of making one up."

const titleSystemInstruction = "You generate concise titles for chat conversations. " +
	"The title is 3-5 words. Return only the title, nothing else."

// ErrEmptyResponse indicates the model returned no usable content.
var ErrEmptyResponse = errors.New("empty model response")

// Client talks to the Gemini API.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	client         *genai.Client
	chatModel      string
	embeddingModel string
	logger         *slog.Logger
}

// Config selects the models the client uses.
type Config struct {
	APIKey         string
	ChatModel      string
	EmbeddingModel string
}

// NewClient creates a Gemini client.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.ChatModel == "" || cfg.EmbeddingModel == "" {
		return nil, fmt.Errorf("chat and embedding model names are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Client{
		client:         client,
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		logger:         logger,
	}, nil
}

// Close releases the underlying API connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Complete generates the assistant reply for the conversation history.
// The last entry must be the new user message; earlier entries become chat
// session history.
func (c *Client) Complete(ctx context.Context, history []*conversation.Message) (string, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("history is empty")
	}
	last := history[len(history)-1]
	if last.Role != conversation.RoleUser {
		return "", fmt.Errorf("last history entry has role %q, want user", last.Role)
	}

	model := c.client.GenerativeModel(c.chatModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(chatSystemInstruction)},
	}

	session := model.StartChat()
	session.History = toGenaiHistory(history[:len(history)-1])

	resp, err := session.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		return "", fmt.Errorf("gemini chat request: %w", err)
	}

	text := candidateText(resp)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// GenerateTitle produces a short conversation title from the opening
// exchange.
func (c *Client) GenerateTitle(ctx context.Context, userMsg, assistantMsg string) (string, error) {
	model := c.client.GenerativeModel(c.chatModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(titleSystemInstruction)},
	}

	temp := float32(0.3)
	maxTokens := int32(20)
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:     &temp,
		MaxOutputTokens: &maxTokens,
	}

	prompt := fmt.Sprintf("Generate a title for a conversation opening with:\nUser: %s\nAssistant: %s",
		clip(userMsg, 500), clip(assistantMsg, 500))

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini title request: %w", err)
	}

	title := strings.Trim(candidateText(resp), "\"'\n\r\t .")
	if title == "" {
		return "", ErrEmptyResponse
	}
	return title, nil
}

// Embed generates an embedding vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	em := c.client.EmbeddingModel(c.embeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, ErrEmptyResponse
	}
	return res.Embedding.Values, nil
}

// EmbedBatch generates embeddings for several texts in one API call.
// The result is index-aligned with the input.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	em := c.client.EmbeddingModel(c.embeddingModel)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini batch embedding request: %w", err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d texts", len(res.Embeddings), len(texts))
	}

	out := make([][]float32, len(res.Embeddings))
	for i, e := range res.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("embedding %d: %w", i, ErrEmptyResponse)
		}
		out[i] = e.Values
	}
	return out, nil
}

// toGenaiHistory converts stored messages to the wire format. System
// messages are folded into the user role since the API only accepts
// user/model turns in history.
func toGenaiHistory(msgs []*conversation.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == conversation.RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return out
}

// candidateText flattens the first candidate's text parts.
func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
