package newsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/services"
)

const (
	serviceName        = "newsapi"
	defaultBaseURL     = "https://newsapi.org"
	defaultCallTimeout = 15 * time.Second
	maxPageSize        = 100
)

// truncationMarker matches the "… [+1234 chars]" suffix NewsAPI appends to content.
var truncationMarker = regexp.MustCompile(`\s*…?\s*\[\+\d+ chars\]\s*$`)

// Config captures the settings required to query NewsAPI.
type Config struct {
	APIKey   string
	BaseURL  string
	Language string
	DaysBack int
	Timeout  time.Duration
}

// Client searches NewsAPI's /v2/everything endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	backoff    services.Backoff
	now        func() time.Time
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

// WithBackoff overrides the retry policy.
func WithBackoff(b services.Backoff) Option {
	return func(c *Client) {
		c.backoff = b
	}
}

// NewClient constructs a NewsAPI client.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Language == "" {
		cfg.Language = models.DefaultLanguage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		backoff:    services.Backoff{Attempts: 3, Base: time.Second, Max: 10 * time.Second, Jitter: true},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type everythingResponse struct {
	Status   string    `json:"status"`
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	Articles []article `json:"articles"`
}

type article struct {
	Source struct {
		Name string `json:"name"`
	} `json:"source"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"publishedAt"`
	Content     string    `json:"content"`
}

// Search returns up to limit documents about topic, most relevant first.
func (c *Client) Search(ctx context.Context, topic string, limit int) ([]models.Document, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.New("newsapi search: topic required")
	}
	if c.cfg.APIKey == "" {
		return nil, errors.New("newsapi search: api key required")
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	var resp everythingResponse
	_, err := services.Retry(ctx, c.backoff, func(ctx context.Context, attempt int) error {
		var err error
		resp, err = c.searchOnce(ctx, topic, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	docs := make([]models.Document, 0, len(resp.Articles))
	for _, a := range resp.Articles {
		body := strings.TrimSpace(truncationMarker.ReplaceAllString(a.Content, ""))
		if body == "" {
			body = strings.TrimSpace(a.Description)
		}
		docs = append(docs, models.Document{
			URL:         strings.TrimSpace(a.URL),
			Title:       strings.TrimSpace(a.Title),
			SourceName:  strings.TrimSpace(a.Source.Name),
			Topic:       topic,
			Body:        body,
			PublishedAt: a.PublishedAt,
		})
	}
	return docs, nil
}

func (c *Client) searchOnce(ctx context.Context, topic string, limit int) (everythingResponse, error) {
	var out everythingResponse
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("q", topic)
	q.Set("sortBy", "relevancy")
	q.Set("language", c.cfg.Language)
	q.Set("pageSize", strconv.Itoa(limit))
	if c.cfg.DaysBack > 0 {
		q.Set("from", c.now().UTC().AddDate(0, 0, -c.cfg.DaysBack).Format("2006-01-02"))
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.cfg.BaseURL+"/v2/everything?"+q.Encode(), nil)
	if err != nil {
		return out, fmt.Errorf("newsapi search: new request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, services.CallError(callCtx, serviceName, "search", err)
	}
	defer resp.Body.Close()
	if err := services.CheckResponse(serviceName, resp); err != nil {
		return out, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, services.CallError(callCtx, serviceName, "decode response", err)
	}
	if out.Status != "" && out.Status != "ok" {
		return out, fmt.Errorf("newsapi search: %s: %s", out.Code, out.Message)
	}
	return out, nil
}
