// Package sources gathers the documents an episode is written from.
package sources

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/services"
)

// Searcher finds documents about a single topic.
type Searcher interface {
	Search(ctx context.Context, topic string, limit int) ([]models.Document, error)
}

// Config bounds collection.
type Config struct {
	PerTopic         int
	MaxDocuments     int
	WordsPerDocument int
	Concurrency      int
}

// Collector searches every topic and merges the results fairly.
type Collector struct {
	searcher Searcher
	cfg      Config
}

func NewCollector(searcher Searcher, cfg Config) *Collector {
	if cfg.PerTopic <= 0 {
		cfg.PerTopic = 5
	}
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = 15
	}
	if cfg.WordsPerDocument <= 0 {
		cfg.WordsPerDocument = 120
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	return &Collector{searcher: searcher, cfg: cfg}
}

// Limit returns the default document cap for an episode: enough documents to ground the
// word budget, at least one per topic, never more than MaxDocuments.
func (c *Collector) Limit(topicCount, targetWords int) int {
	need := int(math.Ceil(float64(targetWords) / float64(c.cfg.WordsPerDocument)))
	if need < topicCount {
		need = topicCount
	}
	if need > c.cfg.MaxDocuments {
		need = c.cfg.MaxDocuments
	}
	if need < 1 {
		need = 1
	}
	return need
}

// Collect returns at most limit documents with non-empty bodies, deduplicated by url and
// interleaved round-robin across topics. Zero qualifying documents is ErrNoSourcesFound.
func (c *Collector) Collect(ctx context.Context, topics []string, limit int) ([]models.Document, error) {
	if len(topics) == 0 {
		return nil, services.Wrap(services.ErrNoSourcesFound, "collecting", "collect", "no topics given", nil)
	}
	if limit <= 0 {
		limit = c.cfg.MaxDocuments
	}

	perTopic := make([][]models.Document, len(topics))
	searchErrs := make([]error, len(topics))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, topic := range topics {
		i, topic := i, topic
		g.Go(func() error {
			docs, err := c.searcher.Search(gctx, topic, c.cfg.PerTopic)
			if err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return err
				}
				log.Warn().Err(err).Str("topic", topic).Msg("source search failed, continuing with other topics")
				searchErrs[i] = err
				return nil
			}
			for j := range docs {
				docs[j].Topic = topic
			}
			perTopic[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	docs := interleave(perTopic, limit)
	if len(docs) == 0 {
		return nil, services.Wrap(services.ErrNoSourcesFound, "collecting", "collect",
			"no qualifying documents for topics "+strings.Join(topics, ", "), errors.Join(searchErrs...))
	}
	log.Debug().Int("documents", len(docs)).Int("topics", len(topics)).Msg("sources collected")
	return docs, nil
}

// interleave takes one qualifying document per topic per round until limit is reached.
func interleave(perTopic [][]models.Document, limit int) []models.Document {
	seen := make(map[string]struct{})
	next := make([]int, len(perTopic))
	out := make([]models.Document, 0, limit)
	for len(out) < limit {
		progressed := false
		for t := range perTopic {
			if len(out) >= limit {
				break
			}
			for next[t] < len(perTopic[t]) {
				doc := perTopic[t][next[t]]
				next[t]++
				if strings.TrimSpace(doc.Body) == "" {
					continue
				}
				key := dedupeKey(doc)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				out = append(out, doc)
				progressed = true
				break
			}
		}
		if !progressed {
			break
		}
	}
	return out
}

func dedupeKey(doc models.Document) string {
	if u := strings.TrimSpace(doc.URL); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "title:" + strings.ToLower(strings.TrimSpace(doc.Title))
}
