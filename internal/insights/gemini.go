package insights

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// DefaultEndpoint is the Gemini API base URL; the SDK appends the API version.
const DefaultEndpoint = "https://generativelanguage.googleapis.com/"

// Options tunes a single generation request. Zero values are omitted.
type Options struct {
	Temperature float64
	TopP        float64
}

// Generator turns a prompt into text.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// GeminiClient generates text through the Gemini API.
type GeminiClient struct {
	model  string
	client *genai.Client
	err    error
}

func NewGeminiClient(apiKey, model, endpoint string, timeout time.Duration) *GeminiClient {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &GeminiClient{model: model}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		c.err = errors.New("gemini api key is empty")
		return c
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: timeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: endpoint},
	})
	if err != nil {
		c.err = fmt.Errorf("gemini client: %w", err)
		return c
	}
	c.client = client
	return c
}

func (c *GeminiClient) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	if c.err != nil {
		return "", c.err
	}

	cfg := &genai.GenerateContentConfig{}
	if opts.Temperature != 0 {
		cfg.Temperature = genai.Ptr(float32(opts.Temperature))
	}
	if opts.TopP != 0 {
		cfg.TopP = genai.Ptr(float32(opts.TopP))
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return resp.Text(), nil
}
