// Package ollama adapts a local Ollama server to the llm interfaces.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/retry"
)

// Client calls Ollama for generation and embeddings.
type Client struct {
	api        *api.Client
	chatModel  string
	embedModel string
}

// New connects to host, or to OLLAMA_HOST when host is empty.
func New(host, chatModel, embedModel string) (*Client, error) {
	var c *api.Client
	if host == "" {
		var err error
		c, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
	} else {
		u, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("ollama host %q: %w", host, err)
		}
		c = api.NewClient(u, http.DefaultClient)
	}
	return &Client{api: c, chatModel: chatModel, embedModel: embedModel}, nil
}

// Generate runs a non-streaming completion.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  c.chatModel,
		System: system,
		Prompt: prompt,
		Stream: &stream,
	}

	var out strings.Builder
	err := c.api.Generate(ctx, req, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", classify(fmt.Errorf("generate with %s: %w", c.chatModel, err))
	}
	return out.String(), nil
}

// Embed returns the embedding of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.Embed(ctx, &api.EmbedRequest{Model: c.embedModel, Input: text})
	if err != nil {
		return nil, classify(fmt.Errorf("embed with %s: %w", c.embedModel, err))
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, retry.Permanentf("embed with %s: empty embedding", c.embedModel)
	}
	return resp.Embeddings[0], nil
}

// Heartbeat checks the server is reachable.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.api.Heartbeat(ctx)
}

// classify marks rate limiting and server errors transient and other
// HTTP statuses permanent. Transport errors are left to retry.Classify.
func classify(err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500 {
			return retry.Transient(err)
		}
		return retry.Permanent(err)
	}
	return err
}
