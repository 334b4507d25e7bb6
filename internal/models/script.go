package models

import (
	"strings"
	"time"
)

// Speaker identifies one of the two podcast roles.
type Speaker string

const (
	SpeakerHost   Speaker = "host"
	SpeakerCoHost Speaker = "co_host"
)

// Other returns the opposite role.
func (s Speaker) Other() Speaker {
	if s == SpeakerHost {
		return SpeakerCoHost
	}
	return SpeakerHost
}

// Document is one piece of source material returned by the collector.
type Document struct {
	URL         string
	Title       string
	SourceName  string
	Topic       string
	Body        string
	PublishedAt time.Time
}

// Turn is one speaker's contiguous block of dialogue.
type Turn struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
	Order   int     `json:"order"`
	Topic   string  `json:"topic,omitempty"`
}

// Segment is the synthesized audio for exactly one turn, as 16-bit little-endian mono PCM.
type Segment struct {
	Order      int
	Speaker    Speaker
	Topic      string
	PCM        []byte
	SampleRate int
}

// Samples returns the number of 16-bit samples held by the segment.
func (s Segment) Samples() int {
	return len(s.PCM) / 2
}

// Duration is derived from the sample count so assembled totals stay exact.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(s.Samples()) * time.Second / time.Duration(s.SampleRate)
}

// WordCount counts whitespace separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// TurnsWordCount sums the words of every turn.
func TurnsWordCount(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += WordCount(t.Text)
	}
	return total
}

// SourcesFromDocuments projects documents to the persisted source tuples.
func SourcesFromDocuments(docs []Document) []Source {
	out := make([]Source, 0, len(docs))
	for _, d := range docs {
		out = append(out, Source{URL: d.URL, Title: d.Title, Source: d.SourceName})
	}
	return out
}
