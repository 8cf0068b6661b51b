// Package llm talks to chat-completion backends used for digest enrichment.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/TobiSchelling/RedditDigest/internal/config"
	"github.com/TobiSchelling/RedditDigest/internal/logging"
)

// Provider is the interface for LLM providers.
type Provider interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	IsConfigured(ctx context.Context) bool
	Name() string
}

// Options apply to every request a provider makes.
type Options struct {
	Temperature float64
	Timeout     time.Duration
}

func (o Options) client() *http.Client {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// OllamaProvider is a local Ollama LLM provider.
type OllamaProvider struct {
	Model   string
	BaseURL string
	opts    Options
	client  *http.Client
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(model, baseURL string, opts Options) *OllamaProvider {
	return &OllamaProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		client:  opts.client(),
	}
}

// Name identifies the backend in logs.
func (o *OllamaProvider) Name() string {
	return "ollama/" + o.Model
}

// IsConfigured checks if Ollama is running and the model is available.
func (o *OllamaProvider) IsConfigured(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}

	modelBase := strings.SplitN(o.Model, ":", 2)[0]
	for _, m := range result.Models {
		if strings.Contains(m.Name, modelBase) {
			return true
		}
	}
	return false
}

// Generate sends a prompt to Ollama and returns the response.
func (o *OllamaProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	body := map[string]any{
		"model": o.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"stream": false,
		"options": map[string]any{
			"num_predict": maxTokens,
			"temperature": o.opts.Temperature,
		},
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := postJSON(ctx, o.client, o.BaseURL+"/api/chat", "", body, &result, "ollama"); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Message.Content), nil
}

// OpenAIProvider speaks the OpenAI chat-completions protocol against any
// compatible base URL.
type OpenAIProvider struct {
	Model   string
	BaseURL string
	APIKey  string
	opts    Options
	client  *http.Client
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(model, baseURL, apiKeyEnv string, opts Options) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  os.Getenv(apiKeyEnv),
		opts:    opts,
		client:  opts.client(),
	}
}

// Name identifies the backend in logs.
func (o *OpenAIProvider) Name() string {
	return "openai/" + o.Model
}

// IsConfigured checks if the API key is set.
func (o *OpenAIProvider) IsConfigured(context.Context) bool {
	return o.APIKey != ""
}

// Generate sends a prompt to the chat-completions endpoint and returns the response.
func (o *OpenAIProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if o.APIKey == "" {
		return "", fmt.Errorf("OpenAI API key not configured")
	}

	body := map[string]any{
		"model": o.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"max_tokens":  maxTokens,
		"temperature": o.opts.Temperature,
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := postJSON(ctx, o.client, o.BaseURL+"/chat/completions", o.APIKey, body, &result, "OpenAI"); err != nil {
		return "", err
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in OpenAI response")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint, bearer string, body, out any, name string) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s API error: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s API returned %d: %s", name, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// CreateProvider creates an LLM provider based on configuration. It returns
// nil when the provider is "none" or no backend is usable; enrichment then
// falls back to placeholders.
func CreateProvider(ctx context.Context, cfg config.Enrichment, log logging.Logger) Provider {
	if Disabled(cfg) {
		log.Info("LLM enrichment disabled")
		return nil
	}
	opts := Options{Temperature: cfg.Temperature, Timeout: cfg.Timeout()}

	if strings.ToLower(cfg.Provider) == "ollama" {
		p := NewOllamaProvider(cfg.Model, cfg.OllamaURL, opts)
		if p.IsConfigured(ctx) {
			log.WithField("model", cfg.Model).Info("Using Ollama")
			return p
		}
		log.WithField("model", cfg.Model).Warn("Ollama not available, trying OpenAI fallback")
	}

	p := NewOpenAIProvider(cfg.OpenAIModel, cfg.OpenAIBaseURL, cfg.APIKeyEnv, opts)
	if p.IsConfigured(ctx) {
		log.WithFields(logging.Fields{"model": cfg.OpenAIModel, "base_url": p.BaseURL}).Info("Using OpenAI-compatible API")
		return p
	}

	log.WithField("api_key_env", cfg.APIKeyEnv).Warn("No LLM provider available; enrichment uses placeholders")
	return nil
}

// Disabled reports whether the operator turned the LLM off.
func Disabled(cfg config.Enrichment) bool {
	return strings.EqualFold(strings.TrimSpace(cfg.Provider), "none")
}
