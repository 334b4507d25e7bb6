package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"podcast-pipeline/internal/services"
)

const (
	serviceName        = "elevenlabs"
	defaultBaseURL     = "https://api.elevenlabs.io"
	defaultModel       = "eleven_multilingual_v2"
	defaultSampleRate  = 24000
	defaultCallTimeout = 60 * time.Second
)

// Config captures the settings required to talk to ElevenLabs.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	SampleRate int
	Timeout    time.Duration
}

// Client wraps the text-to-speech and voice catalog endpoints.
type Client struct {
	cfg        Config
	httpClient *http.Client
	backoff    services.Backoff
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBackoff overrides the retry policy used for catalog reads.
func WithBackoff(b services.Backoff) Option {
	return func(c *Client) {
		c.backoff = b
	}
}

// NewClient constructs an ElevenLabs client.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		backoff:    services.Backoff{Attempts: 3, Base: time.Second, Max: 10 * time.Second, Jitter: true},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Audio is a synthesized clip as returned by the service.
type Audio struct {
	Data        []byte
	ContentType string
	// SampleRate applies to raw PCM responses.
	SampleRate int
}

// Voice is one entry of the voice catalog.
type Voice struct {
	VoiceID    string            `json:"voice_id"`
	Name       string            `json:"name"`
	Category   string            `json:"category"`
	Labels     map[string]string `json:"labels,omitempty"`
	PreviewURL string            `json:"preview_url,omitempty"`
}

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize makes a single text-to-speech call requesting 16-bit mono PCM. Callers own
// retries; the per-call timeout is applied here.
func (c *Client) Synthesize(ctx context.Context, text, voiceID string) (Audio, error) {
	text = strings.TrimSpace(text)
	voiceID = strings.TrimSpace(voiceID)
	if text == "" || voiceID == "" {
		return Audio{}, errors.New("elevenlabs synthesize: text and voice id required")
	}
	if c.cfg.APIKey == "" {
		return Audio{}, errors.New("elevenlabs synthesize: api key required")
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	encoded, err := json.Marshal(ttsRequest{
		Text:          text,
		ModelID:       c.cfg.Model,
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs synthesize: encode body: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=pcm_%d", c.cfg.BaseURL, url.PathEscape(voiceID), c.cfg.SampleRate)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs synthesize: new request: %w", err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Audio{}, services.CallError(callCtx, serviceName, "synthesize", err)
	}
	defer resp.Body.Close()
	if err := services.CheckResponse(serviceName, resp); err != nil {
		return Audio{}, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, services.CallError(callCtx, serviceName, "read audio", err)
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("elevenlabs synthesize: %w: empty audio", services.ErrTransient)
	}
	return Audio{Data: data, ContentType: resp.Header.Get("Content-Type"), SampleRate: c.cfg.SampleRate}, nil
}

// ListVoices returns the account's voice catalog.
func (c *Client) ListVoices(ctx context.Context) ([]Voice, error) {
	var out struct {
		Voices []Voice `json:"voices"`
	}
	if err := c.getJSON(ctx, "/v1/voices", "list voices", &out); err != nil {
		return nil, err
	}
	return out.Voices, nil
}

// Preview streams the sample clip of a voice. The caller closes the body.
func (c *Client) Preview(ctx context.Context, voiceID string) (io.ReadCloser, string, error) {
	var voice Voice
	if err := c.getJSON(ctx, "/v1/voices/"+url.PathEscape(voiceID), "get voice", &voice); err != nil {
		return nil, "", err
	}
	if voice.PreviewURL == "" {
		return nil, "", fmt.Errorf("elevenlabs preview: voice %s has no preview", voiceID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voice.PreviewURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("elevenlabs preview: new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", services.CallError(ctx, serviceName, "preview", err)
	}
	if err := services.CheckResponse(serviceName, resp); err != nil {
		resp.Body.Close()
		return nil, "", err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return resp.Body, contentType, nil
}

func (c *Client) getJSON(ctx context.Context, path, op string, dst any) error {
	if c.cfg.APIKey == "" {
		return fmt.Errorf("elevenlabs %s: api key required", op)
	}
	_, err := services.Retry(ctx, c.backoff, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.cfg.BaseURL+path, nil)
		if err != nil {
			return fmt.Errorf("elevenlabs %s: new request: %w", op, err)
		}
		req.Header.Set("xi-api-key", c.cfg.APIKey)
		req.Header.Set("Accept", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return services.CallError(callCtx, serviceName, op, err)
		}
		defer resp.Body.Close()
		if err := services.CheckResponse(serviceName, resp); err != nil {
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return fmt.Errorf("elevenlabs %s: decode response: %w", op, err)
		}
		return nil
	})
	return err
}
