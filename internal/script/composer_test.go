package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/services"
)

type fakeGenerator struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []string
}

func (f *fakeGenerator) Generate(ctx context.Context, system, user string, maxTokens int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, system+"\n---\n"+user)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", nil
	}
	out := f.responses[0]
	f.responses = f.responses[1:]
	return out, nil
}

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
			words[j] = fmt.Sprintf("w%d_%d", i, j)
		}
		fmt.Fprintf(&b, "%s: %s\n", label, strings.Join(words, " "))
	}
	return b.String()
}

func docs(topic string, n int) []models.Document {
	out := make([]models.Document, n)
	for i := range out {
		out[i] = models.Document{URL: fmt.Sprintf("https://%s/%d", topic, i), Title: "t", SourceName: "s", Topic: topic, Body: "body"}
	}
	return out
}

func assertOrdered(t *testing.T, turns []models.Turn) {
	t.Helper()
	for i, turn := range turns {
		if turn.Order != i {
			t.Fatalf("turn %d has order %d", i, turn.Order)
		}
		if i >= 2 && turn.Speaker == turns[i-1].Speaker && turn.Speaker == turns[i-2].Speaker {
			t.Fatalf("three consecutive turns by %s at %d", turn.Speaker, i)
		}
	}
}

func TestComposeSingleTopicMinute(t *testing.T) {
	gen := &fakeGenerator{responses: []string{dialogue(6, 25)}}
	c := NewComposer(gen, Config{})

	script, err := c.Compose(context.Background(), docs("technology", 2), 60, "en")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if script.TargetWordCount != 150 {
		t.Fatalf("target words = %d", script.TargetWordCount)
	}
	if len(script.Turns) < 2 {
		t.Fatalf("expected at least 2 turns, got %d", len(script.Turns))
	}
	for i := 1; i < len(script.Turns); i++ {
		if script.Turns[i].Speaker == script.Turns[i-1].Speaker {
			t.Fatalf("turns %d and %d share a speaker", i-1, i)
		}
	}
	if script.WordCount < 120 || script.WordCount > 180 {
		t.Fatalf("word count %d far from 150", script.WordCount)
	}
	assertOrdered(t, script.Turns)
	if len(gen.prompts) != 1 {
		t.Fatalf("expected one generation call, got %d", len(gen.prompts))
	}
	if !strings.Contains(gen.prompts[0], "about 150 words") || !strings.Contains(gen.prompts[0], "opens the show") {
		t.Fatalf("prompt missing budget or position: %s", gen.prompts[0])
	}
}

func TestComposeRetriesUndershootOnce(t *testing.T) {
	gen := &fakeGenerator{responses: []string{dialogue(2, 10), dialogue(6, 25)}}
	c := NewComposer(gen, Config{})

	script, err := c.Compose(context.Background(), docs("technology", 1), 60, "en")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(gen.prompts) != 2 {
		t.Fatalf("expected a single retry, got %d calls", len(gen.prompts))
	}
	if !strings.Contains(gen.prompts[1], "only 20 words") {
		t.Fatalf("retry prompt must name the shortfall: %s", gen.prompts[1])
	}
	if script.WordCount != 150 {
		t.Fatalf("expected longer draft to win, got %d words", script.WordCount)
	}
}

func TestComposeKeepsLongerDraft(t *testing.T) {
	gen := &fakeGenerator{responses: []string{dialogue(4, 10), dialogue(2, 5)}}
	c := NewComposer(gen, Config{})

	script, err := c.Compose(context.Background(), docs("technology", 1), 60, "en")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if script.WordCount != 40 {
		t.Fatalf("expected first draft to be kept, got %d words", script.WordCount)
	}
	if len(gen.prompts) != 2 {
		t.Fatalf("calls = %d", len(gen.prompts))
	}
}

func TestComposeMultipleTopics(t *testing.T) {
	gen := &fakeGenerator{responses: []string{dialogue(4, 21), dialogue(4, 21), dialogue(4, 21)}}
	c := NewComposer(gen, Config{})

	in := append(append(docs("ai", 2), docs("space", 1)...), docs("climate", 1)...)
	script, err := c.Compose(context.Background(), in, 120, "en")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(gen.prompts) != 3 {
		t.Fatalf("expected one call per topic, got %d", len(gen.prompts))
	}
	if !strings.Contains(gen.prompts[0], "first segment") || !strings.Contains(gen.prompts[1], "middle segment") || !strings.Contains(gen.prompts[2], "last segment") {
		t.Fatal("segment positions not reflected in prompts")
	}
	if !strings.Contains(gen.prompts[1], "previous segment ended") {
		t.Fatal("later segments must see the previous line")
	}
	if script.Turns[0].Topic != "ai" || script.Turns[len(script.Turns)-1].Topic != "climate" {
		t.Fatalf("topics not tagged: %+v", script.Turns)
	}
	assertOrdered(t, script.Turns)
}

// monologue builds n HOST lines of distinct words, wordsPerLine each.
func monologue(n, wordsPerLine int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		words := make([]string, wordsPerLine)
		for j := range words {
			words[j] = fmt.Sprintf("m%d_%d", i, j)
		}
		fmt.Fprintf(&b, "HOST: %s\n", strings.Join(words, " "))
	}
	return b.String()
}

func TestComposeRetriesSingleSpeakerDraft(t *testing.T) {
	gen := &fakeGenerator{responses: []string{monologue(6, 25), dialogue(6, 25)}}
	c := NewComposer(gen, Config{})

	script, err := c.Compose(context.Background(), docs("technology", 2), 60, "en")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(gen.prompts) != 2 {
		t.Fatalf("expected a second draft, got %d calls", len(gen.prompts))
	}
	if !strings.Contains(gen.prompts[1], "did not alternate") {
		t.Fatalf("second prompt must ask for both hosts: %s", gen.prompts[1])
	}
	if len(script.Turns) != 6 {
		t.Fatalf("expected the alternating draft, got %d turns", len(script.Turns))
	}
	assertOrdered(t, script.Turns)
}

func TestComposeRejectsSingleSpeakerScript(t *testing.T) {
	gen := &fakeGenerator{responses: []string{monologue(6, 25), monologue(6, 25)}}
	c := NewComposer(gen, Config{})

	script, err := c.Compose(context.Background(), docs("technology", 2), 60, "en")
	if !errors.Is(err, services.ErrScriptGenerationFailed) {
		t.Fatalf("expected ErrScriptGenerationFailed, got %v (turns=%d)", err, len(script.Turns))
	}
	if !strings.Contains(services.FailureMessage(err), "single-speaker") {
		t.Fatalf("unexpected message %q", services.FailureMessage(err))
	}
}

func TestComposeSingleSpeakerMiddleTopic(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		dialogue(3, 30),
		monologue(3, 30),
		monologue(3, 30),
		dialogue(4, 30),
	}}
	c := NewComposer(gen, Config{})

	in := append(append(docs("a", 1), docs("b", 1)...), docs("c", 1)...)
	_, err := c.Compose(context.Background(), in, 120, "en")
	if !errors.Is(err, services.ErrScriptGenerationFailed) {
		t.Fatalf("expected ErrScriptGenerationFailed, got %v", err)
	}
	if len(gen.prompts) != 3 {
		t.Fatalf("composition must stop at topic b, got %d calls", len(gen.prompts))
	}
}

func TestComposeTopicBoundariesRepeatAtMostOnce(t *testing.T) {
	// every segment opens and closes with the host
	gen := &fakeGenerator{responses: []string{dialogue(3, 30), dialogue(3, 30), dialogue(5, 20)}}
	c := NewComposer(gen, Config{})

	in := append(append(docs("a", 1), docs("b", 1)...), docs("c", 1)...)
	script, err := c.Compose(context.Background(), in, 120, "en")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	assertOrdered(t, script.Turns)
	if script.Turns[2].Speaker != models.SpeakerHost || script.Turns[3].Speaker != models.SpeakerHost {
		t.Fatalf("expected a host repeat at the first boundary: %+v", script.Turns[:4])
	}
}

func TestComposeFailures(t *testing.T) {
	cases := map[string]*fakeGenerator{
		"generator error": {err: errors.New("http 500")},
		"empty content":   {responses: []string{"", ""}},
		"no labels":       {responses: []string{"just prose", "still prose"}},
	}
	for name, gen := range cases {
		t.Run(name, func(t *testing.T) {
			c := NewComposer(gen, Config{})
			_, err := c.Compose(context.Background(), docs("ai", 1), 60, "en")
			if !errors.Is(err, services.ErrScriptGenerationFailed) {
				t.Fatalf("expected ErrScriptGenerationFailed, got %v", err)
			}
		})
	}

	c := NewComposer(&fakeGenerator{}, Config{})
	if _, err := c.Compose(context.Background(), nil, 60, "en"); !errors.Is(err, services.ErrScriptGenerationFailed) {
		t.Fatalf("no documents: %v", err)
	}
}

func TestParseFiltersAndMerges(t *testing.T) {
	c := NewComposer(nil, Config{})
	text := strings.Join([]string{
		"**Alex:** Welcome to the show everyone.",
		"Sarah: Thanks Alex, today we cover chips.",
		"Sarah: Thanks Alex, today we cover chips!",
		"CO-HOST: And the fab news from Wire.",
		"it continues on this line",
		"HOST: Right, the new fabs matter.",
		"",
		"Narrator: ignored label becomes continuation",
	}, "\n")

	turns := c.parse(text, "chips")
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d: %+v", len(turns), turns)
	}
	if turns[0].Speaker != models.SpeakerHost || turns[0].Text != "Welcome to the show everyone." {
		t.Fatalf("unexpected first turn %+v", turns[0])
	}
	if turns[1].Speaker != models.SpeakerCoHost || !strings.HasSuffix(turns[1].Text, "it continues on this line") {
		t.Fatalf("co-host lines not merged: %q", turns[1].Text)
	}
	if strings.Count(turns[1].Text, "today we cover chips") != 1 {
		t.Fatalf("near-duplicate line not dropped: %q", turns[1].Text)
	}
	if !strings.Contains(turns[2].Text, "Narrator: ignored label") {
		t.Fatalf("unknown label must continue the turn: %q", turns[2].Text)
	}
}

func TestTranscriptUsesNames(t *testing.T) {
	c := NewComposer(nil, Config{HostName: "Ana", CoHostName: "Ben"})
	got := c.Transcript([]models.Turn{
		{Speaker: models.SpeakerHost, Text: "Hi."},
		{Speaker: models.SpeakerCoHost, Text: "Hello."},
	})
	if got != "Ana: Hi.\n\nBen: Hello." {
		t.Fatalf("transcript = %q", got)
	}
}

func TestSimilar(t *testing.T) {
	if !similar("the cat sat on the mat", "The cat sat on a mat") {
		t.Fatal("expected similar")
	}
	if similar("the cat sat", "dogs run fast today") {
		t.Fatal("expected dissimilar")
	}
}
