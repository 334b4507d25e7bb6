// Package script turns source documents into an ordered two-speaker dialogue.
package script

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/services"
)

// Generator produces text from a system and a user prompt.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// Config tunes composition.
type Config struct {
	HostName       string
	CoHostName     string
	WordsPerMinute float64
	// Tolerance is the fraction a topic may fall short of its word budget before one
	// corrective generation is requested.
	Tolerance    float64
	DocsPerTopic int
}

// Script is the composed dialogue plus the budget it was written against.
type Script struct {
	Turns           []models.Turn
	TargetWordCount int
	WordCount       int
}

// Composer writes one dialogue segment per topic and stitches them together.
type Composer struct {
	gen Generator
	cfg Config
}

func NewComposer(gen Generator, cfg Config) *Composer {
	if cfg.HostName == "" {
		cfg.HostName = "Alex"
	}
	if cfg.CoHostName == "" {
		cfg.CoHostName = "Sarah"
	}
	if cfg.WordsPerMinute <= 0 {
		cfg.WordsPerMinute = 150
	}
	if cfg.Tolerance <= 0 || cfg.Tolerance >= 1 {
		cfg.Tolerance = 0.2
	}
	if cfg.DocsPerTopic <= 0 {
		cfg.DocsPerTopic = 5
	}
	return &Composer{gen: gen, cfg: cfg}
}

// TargetWordCount converts a duration into a spoken word budget.
func TargetWordCount(targetSeconds int, wordsPerMinute float64) int {
	return int(math.Round(float64(targetSeconds) / 60 * wordsPerMinute))
}

// TargetWords returns the word budget for targetSeconds under this composer's pace.
func (c *Composer) TargetWords(targetSeconds int) int {
	return TargetWordCount(targetSeconds, c.cfg.WordsPerMinute)
}

type topicGroup struct {
	topic string
	docs  []models.Document
}

// Compose writes the dialogue for docs. Any generation failure or an empty result is
// ErrScriptGenerationFailed; no placeholder script is ever substituted. Every topic segment
// holds at least two alternating turns, so a speaker repeats at most once at a topic boundary.
func (c *Composer) Compose(ctx context.Context, docs []models.Document, targetSeconds int, language string) (Script, error) {
	target := c.TargetWords(targetSeconds)
	if len(docs) == 0 {
		return Script{}, services.Wrap(services.ErrScriptGenerationFailed, "composing", "compose", "no documents to write from", nil)
	}
	if language == "" {
		language = models.DefaultLanguage
	}

	groups := groupByTopic(docs)
	budgets := splitBudget(target, len(groups))

	var turns []models.Turn
	for i, g := range groups {
		pos := position(i, len(groups))
		prev := ""
		if len(turns) > 0 {
			last := turns[len(turns)-1]
			prev = fmt.Sprintf("%s: %s", c.name(last.Speaker), last.Text)
		}
		segment, err := c.composeTopic(ctx, g, budgets[i], language, pos, prev)
		if err != nil {
			return Script{}, err
		}
		turns = append(turns, segment...)
	}

	for i := range turns {
		turns[i].Order = i
	}
	script := Script{Turns: turns, TargetWordCount: target, WordCount: models.TurnsWordCount(turns)}
	log.Debug().Int("turns", len(turns)).Int("words", script.WordCount).Int("target_words", target).Msg("script composed")
	return script, nil
}

func (c *Composer) composeTopic(ctx context.Context, g topicGroup, budget int, language string, pos segmentPosition, prev string) ([]models.Turn, error) {
	system := c.systemPrompt(budget, language, pos)
	user := c.userPrompt(g, prev)
	maxTokens := budget*3 + 256

	text, err := c.gen.Generate(ctx, system, user, maxTokens)
	if err != nil {
		return nil, services.Wrap(services.ErrScriptGenerationFailed, "composing", "generate", "topic "+g.topic, err)
	}
	turns := c.parse(text, g.topic)
	words := models.TurnsWordCount(turns)

	short := float64(words) < float64(budget)*(1-c.cfg.Tolerance)
	if short || len(turns) < 2 {
		var notes []string
		if short {
			notes = append(notes, fmt.Sprintf("A previous draft was only %d words. This segment must be about %d words: "+
				"expand the discussion with more detail from the articles while following every rule.", words, budget))
		}
		if len(turns) < 2 {
			notes = append(notes, "A previous draft did not alternate between the two hosts. "+
				"Both hosts must speak, taking turns line by line.")
		}
		log.Info().Str("topic", g.topic).Int("words", words).Int("budget", budget).Int("turns", len(turns)).Msg("segment rejected, requesting another draft")
		retryUser := user + "\n\n" + strings.Join(notes, "\n")
		again, err := c.gen.Generate(ctx, system, retryUser, maxTokens)
		if err != nil {
			return nil, services.Wrap(services.ErrScriptGenerationFailed, "composing", "generate", "topic "+g.topic+" (second draft)", err)
		}
		if retried := c.parse(again, g.topic); len(retried) >= 2 && (len(turns) < 2 || models.TurnsWordCount(retried) > words) {
			turns = retried
		}
	}

	switch len(turns) {
	case 0:
		return nil, services.Wrap(services.ErrScriptGenerationFailed, "composing", "generate", "topic "+g.topic+" produced no dialogue", nil)
	case 1:
		return nil, services.Wrap(services.ErrScriptGenerationFailed, "composing", "generate", "topic "+g.topic+" produced a single-speaker dialogue", nil)
	}
	return turns, nil
}

// Transcript renders turns with the host names, one paragraph per turn.
func (c *Composer) Transcript(turns []models.Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(c.name(t.Speaker))
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return b.String()
}

func (c *Composer) name(s models.Speaker) string {
	if s == models.SpeakerCoHost {
		return c.cfg.CoHostName
	}
	return c.cfg.HostName
}

func groupByTopic(docs []models.Document) []topicGroup {
	index := make(map[string]int)
	var groups []topicGroup
	for _, d := range docs {
		topic := d.Topic
		if topic == "" {
			topic = "general"
		}
		i, ok := index[topic]
		if !ok {
			i = len(groups)
			index[topic] = i
			groups = append(groups, topicGroup{topic: topic})
		}
		groups[i].docs = append(groups[i].docs, d)
	}
	return groups
}

// splitBudget divides total across n segments, giving the remainder to the earliest ones.
func splitBudget(total, n int) []int {
	out := make([]int, n)
	if n == 0 {
		return out
	}
	base, rem := total/n, total%n
	for i := range out {
		out[i] = base
		if i < rem {
			out[i]++
		}
	}
	return out
}
