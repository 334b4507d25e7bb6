package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"podcast-pipeline/internal/artifact"
	"podcast-pipeline/internal/audio"
	"podcast-pipeline/internal/events"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/script"
	"podcast-pipeline/internal/services"
	"podcast-pipeline/internal/services/elevenlabs"
	"podcast-pipeline/internal/sources"
	"podcast-pipeline/internal/speech"
	"podcast-pipeline/internal/store"
)

type fakeSearcher struct {
	mu    sync.Mutex
	docs  map[string][]models.Document
	calls int
}

func (f *fakeSearcher) Search(ctx context.Context, topic string, limit int) ([]models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	docs := f.docs[topic]
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return append([]models.Document(nil), docs...), nil
}

type fakeGenerator struct {
	mu    sync.Mutex
	text  string
	calls int
}

func (f *fakeGenerator) Generate(ctx context.Context, system, user string, maxTokens int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, nil
}

// fakeTTS returns one 16-bit sample per character at 1 kHz. failures maps a turn's first
// word to how many times the call fails (-1 for always).
type fakeTTS struct {
	mu       sync.Mutex
	failures map[string]int
	calls    int
}

func (f *fakeTTS) Synthesize(ctx context.Context, text, voiceID string) (elevenlabs.Audio, error) {
	f.mu.Lock()
	f.calls++
	first := strings.Fields(text)[0]
	remaining := f.failures[first]
	if remaining > 0 {
		f.failures[first] = remaining - 1
	}
	f.mu.Unlock()
	if remaining != 0 {
		return elevenlabs.Audio{}, &services.HTTPStatusError{Service: "tts", StatusCode: http.StatusServiceUnavailable}
	}
	return elevenlabs.Audio{Data: make([]byte, 2*len(text)), SampleRate: 1000}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() {}

// dialogue builds n alternating lines of distinct words, wordsPerLine each.
func dialogue(n, wordsPerLine int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		label := "HOST"
		if i%2 == 1 {
			label = "CO-HOST"
		}
		words := make([]string, wordsPerLine)
		for j := range words {
			words[j] = fmt.Sprintf("t%dw%d", i, j)
		}
		fmt.Fprintf(&b, "%s: %s\n", label, strings.Join(words, " "))
	}
	return b.String()
}

func techDocs(n int) []models.Document {
	out := make([]models.Document, n)
	for i := range out {
		out[i] = models.Document{
			URL:        fmt.Sprintf("https://news.example/tech/%d", i),
			Title:      fmt.Sprintf("Story %d", i),
			SourceName: "Example News",
			Body:       "Chips got faster again this quarter.",
		}
	}
	return out
}

type harness struct {
	store     store.Store
	searcher  *fakeSearcher
	gen       *fakeGenerator
	tts       *fakeTTS
	events    *recordingPublisher
	artifacts string
	orch      *Orchestrator
}

func newHarness(t *testing.T, st store.Store) *harness {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	h := &harness{
		store:     st,
		searcher:  &fakeSearcher{docs: map[string][]models.Document{"technology": techDocs(2)}},
		gen:       &fakeGenerator{text: dialogue(6, 25)},
		tts:       &fakeTTS{failures: map[string]int{}},
		events:    &recordingPublisher{},
		artifacts: t.TempDir(),
	}
	h.orch = New(Deps{
		Store:     st,
		Collector: sources.NewCollector(h.searcher, sources.Config{}),
		Composer:  script.NewComposer(h.gen, script.Config{WordsPerMinute: 150, Tolerance: 0.2}),
		Synth: speech.NewSynthesizer(h.tts, speech.Config{
			Concurrency: 3,
			MaxAttempts: 4,
			BackoffBase: time.Millisecond,
			BackoffMax:  2 * time.Millisecond,
			CallTimeout: time.Second,
		}),
		Assembler: audio.NewAssembler(audio.Config{TurnGap: 500 * time.Millisecond, TopicGap: time.Second}),
		Artifacts: artifact.NewLocalStore(h.artifacts),
		Events:    h.events,
	}, Config{WorkDir: t.TempDir(), WaveformWidth: 60, WaveformHeight: 20})
	return h
}

func (h *harness) create(t *testing.T, topics ...string) models.Job {
	t.Helper()
	job, err := h.store.CreateJob(context.Background(), models.CreateRequest{
		Owner:         "alice",
		Topics:        topics,
		Duration:      60,
		HostVoiceID:   "voice-host",
		CoHostVoiceID: "voice-cohost",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func assertTerminalInvariant(t *testing.T, job models.Job) {
	t.Helper()
	switch job.Status {
	case models.StatusCompleted:
		if job.Metadata == nil || job.Transcript == "" || job.ArtifactLocation == "" {
			t.Fatalf("completed job is missing outputs: %+v", job)
		}
	case models.StatusFailed:
		if job.Metadata != nil || job.Transcript != "" || job.ArtifactLocation != "" {
			t.Fatalf("failed job carries outputs: %+v", job)
		}
		if job.Message == "" {
			t.Fatal("failed job must carry a message")
		}
	default:
		t.Fatalf("job is not terminal: %s", job.Status)
	}
}

func TestRunCompletesSingleTopicEpisode(t *testing.T) {
	h := newHarness(t, nil)
	job := h.create(t, "technology")

	if err := h.orch.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := h.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	assertTerminalInvariant(t, got)
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s)", got.Status, got.Message)
	}

	meta := got.Metadata
	if meta.ArticleCount != 2 || len(meta.Sources) != 2 || meta.TargetWordCount != 150 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if meta.TurnCount < 2 {
		t.Fatalf("expected at least two turns, got %d", meta.TurnCount)
	}

	// one sample per character at 1 kHz plus 0.5 s between turns
	lines := strings.Split(strings.TrimSpace(got.Transcript), "\n\n")
	var chars int
	for i, line := range lines {
		speaker := "Alex: "
		if i%2 == 1 {
			speaker = "Sarah: "
		}
		if !strings.HasPrefix(line, speaker) {
			t.Fatalf("turn %d is not by %q: %q", i, speaker, line)
		}
		chars += len(strings.TrimPrefix(line, speaker))
	}
	want := float64(chars)/1000 + 0.5*float64(len(lines)-1)
	if diff := meta.ActualDurationSeconds - want; diff > 0.001 || diff < -0.001 {
		t.Fatalf("actual duration = %v, want %v", meta.ActualDurationSeconds, want)
	}

	if got.ArtifactLocation != filepath.Join(h.artifacts, "podcasts", job.ID+".wav") {
		t.Fatalf("unexpected artifact location %q", got.ArtifactLocation)
	}
	for _, loc := range []string{got.ArtifactLocation, meta.WaveformLocation} {
		if _, err := os.Stat(loc); err != nil {
			t.Fatalf("artifact %s missing: %v", loc, err)
		}
	}
	if len(h.events.events) != 1 || h.events.events[0].Type != events.TypeCompleted {
		t.Fatalf("expected one completed event, got %+v", h.events.events)
	}
}

func TestRunFailsWithoutSources(t *testing.T) {
	h := newHarness(t, nil)
	h.searcher.docs = map[string][]models.Document{}
	job := h.create(t, "technology")

	err := h.orch.Run(context.Background(), job)
	if !errors.Is(err, services.ErrNoSourcesFound) {
		t.Fatalf("expected ErrNoSourcesFound, got %v", err)
	}
	got, _ := h.store.GetJob(context.Background(), job.ID)
	assertTerminalInvariant(t, got)
	if !strings.HasPrefix(got.Message, "NoSourcesFound") {
		t.Fatalf("unexpected message %q", got.Message)
	}
	if h.gen.calls != 0 || h.tts.calls != 0 {
		t.Fatalf("no later stage may run: generate=%d synthesize=%d", h.gen.calls, h.tts.calls)
	}
	if len(h.events.events) != 1 || h.events.events[0].Kind != "NoSourcesFound" {
		t.Fatalf("expected one failed event, got %+v", h.events.events)
	}
}

func TestRunRetriesTransientSynthesisFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.tts.failures["t2w0"] = 1
	job := h.create(t, "technology")

	if err := h.orch.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.store.GetJob(context.Background(), job.ID)
	assertTerminalInvariant(t, got)
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if h.tts.calls != got.Metadata.TurnCount+1 {
		t.Fatalf("expected exactly one extra call, got %d for %d turns", h.tts.calls, got.Metadata.TurnCount)
	}
}

func TestRunFailsWhenSynthesisExhaustsRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.tts.failures["t3w0"] = -1
	job := h.create(t, "technology")

	var logs bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&logs)
	t.Cleanup(func() { log.Logger = prev })

	err := h.orch.Run(context.Background(), job)
	if !errors.Is(err, services.ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed, got %v", err)
	}
	if !strings.Contains(logs.String(), `"turn":3`) {
		t.Fatalf("failure log must carry the turn index: %s", logs.String())
	}
	got, _ := h.store.GetJob(context.Background(), job.ID)
	assertTerminalInvariant(t, got)
	if !strings.Contains(got.Message, "SynthesisFailed") || !strings.Contains(got.Message, "turn 3") || !strings.Contains(got.Message, "4 attempts") {
		t.Fatalf("message must name the turn: %q", got.Message)
	}
	entries, _ := os.ReadDir(h.artifacts)
	if len(entries) != 0 {
		t.Fatalf("no artifact may be written on failure, found %d entries", len(entries))
	}

	// the failed record is frozen
	again, _ := h.store.GetJob(context.Background(), job.ID)
	if again.Message != got.Message || again.Status != got.Status || !again.UpdatedAt.Equal(got.UpdatedAt) {
		t.Fatal("failed record changed between reads")
	}
	if err := h.orch.Run(context.Background(), again); !errors.Is(err, store.ErrNotProcessing) {
		t.Fatalf("re-running a failed job must be rejected, got %v", err)
	}
	final, _ := h.store.GetJob(context.Background(), job.ID)
	if final.Status != models.StatusFailed || final.Message != got.Message {
		t.Fatalf("failed record was overwritten: %+v", final)
	}
}

type failingComplete struct {
	store.Store
}

func (f failingComplete) Complete(ctx context.Context, id string, result models.Result) error {
	return errors.New("connection reset")
}

func TestRunRemovesArtifactsWhenCompleteFails(t *testing.T) {
	h := newHarness(t, failingComplete{Store: store.NewMemory()})
	job := h.create(t, "technology")

	if err := h.orch.Run(context.Background(), job); err == nil {
		t.Fatal("expected error")
	}
	got, _ := h.store.GetJob(context.Background(), job.ID)
	assertTerminalInvariant(t, got)
	if _, err := os.Stat(filepath.Join(h.artifacts, "podcasts", job.ID+".wav")); !os.IsNotExist(err) {
		t.Fatalf("audio artifact should have been removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.artifacts, "podcasts", job.ID+".png")); !os.IsNotExist(err) {
		t.Fatalf("waveform artifact should have been removed: %v", err)
	}
}

// lateErrorComplete commits the result and then reports an error, like a connection
// dropped after the transaction committed.
type lateErrorComplete struct {
	store.Store
}

func (l lateErrorComplete) Complete(ctx context.Context, id string, result models.Result) error {
	if err := l.Store.Complete(ctx, id, result); err != nil {
		return err
	}
	return errors.New("connection reset")
}

func TestRunKeepsArtifactsWhenCompleteCommitted(t *testing.T) {
	h := newHarness(t, lateErrorComplete{Store: store.NewMemory()})
	job := h.create(t, "technology")

	if err := h.orch.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.store.GetJob(context.Background(), job.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %+v", got)
	}
	assertTerminalInvariant(t, got)
	if _, err := os.Stat(got.ArtifactLocation); err != nil {
		t.Fatalf("committed audio artifact must be kept: %v", err)
	}
	if _, err := os.Stat(got.Metadata.WaveformLocation); err != nil {
		t.Fatalf("committed waveform must be kept: %v", err)
	}
	if len(h.events.events) != 1 || h.events.events[0].Type != events.TypeCompleted {
		t.Fatalf("expected one completed event, got %+v", h.events.events)
	}
}

func TestRunInterruptedByCancellation(t *testing.T) {
	h := newHarness(t, nil)
	job := h.create(t, "technology")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.orch.Run(ctx, job); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	got, _ := h.store.GetJob(context.Background(), job.ID)
	assertTerminalInvariant(t, got)
	if got.Message != InterruptedMessage {
		t.Fatalf("message = %q", got.Message)
	}
}

func TestRunByIDSkipsTerminalJobs(t *testing.T) {
	h := newHarness(t, nil)
	job := h.create(t, "technology")
	if err := h.store.Fail(context.Background(), job.ID, "InternalError: boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := h.orch.RunByID(context.Background(), job.ID); err != nil {
		t.Fatalf("RunByID: %v", err)
	}
	if h.searcher.calls != 0 {
		t.Fatal("terminal job must not be regenerated")
	}
	if err := h.orch.RunByID(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunMultiTopicUsesTopicGap(t *testing.T) {
	h := newHarness(t, nil)
	h.searcher.docs["science"] = []models.Document{{URL: "https://news.example/sci/1", Title: "Comets", SourceName: "Sci", Body: "A comet."}}
	h.gen.text = dialogue(4, 19)
	job := h.create(t, "technology", "science")

	if err := h.orch.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.store.GetJob(context.Background(), job.ID)
	if got.Metadata.TurnCount != 8 {
		t.Fatalf("expected 8 turns, got %d", got.Metadata.TurnCount)
	}
	// 8 turns of identical length: 6 turn gaps and 1 topic gap
	chars := 0
	for _, line := range strings.Split(dialogue(4, 19), "\n") {
		if _, text, ok := strings.Cut(line, ": "); ok {
			chars += len(text)
		}
	}
	want := 2*float64(chars)/1000 + 6*0.5 + 1.0
	if diff := got.Metadata.ActualDurationSeconds - want; diff > 0.001 || diff < -0.001 {
		t.Fatalf("actual duration = %v, want %v", got.Metadata.ActualDurationSeconds, want)
	}
}
