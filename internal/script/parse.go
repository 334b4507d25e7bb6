package script

import (
	"regexp"
	"strings"

	"podcast-pipeline/internal/models"
)

// similarityThreshold is the Jaccard word overlap above which a line counts as a repeat
// of the line before it.
const similarityThreshold = 0.5

var labelPattern = regexp.MustCompile(`^[\s*_#>-]*([\p{L}][\p{L} .'-]{0,40}?)[\s*_]*:\s*(.*)$`)

// parse splits generated text into turns. Lines without a recognised speaker label continue
// the current turn. Near-repeats of the previous line are dropped and consecutive lines by
// the same speaker are merged, so speakers strictly alternate within the segment.
func (c *Composer) parse(text, topic string) []models.Turn {
	type line struct {
		speaker models.Speaker
		text    string
	}
	var lines []line
	for _, raw := range strings.Split(text, "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if m := labelPattern.FindStringSubmatch(raw); m != nil {
			if speaker, ok := c.speakerFor(m[1]); ok {
				lines = append(lines, line{speaker: speaker, text: cleanText(m[2])})
				continue
			}
		}
		if len(lines) > 0 {
			last := &lines[len(lines)-1]
			last.text = strings.TrimSpace(last.text + " " + cleanText(raw))
		}
	}

	var turns []models.Turn
	lastText := ""
	for _, l := range lines {
		if l.text == "" {
			continue
		}
		if similar(l.text, lastText) {
			continue
		}
		lastText = l.text
		if n := len(turns); n > 0 && turns[n-1].Speaker == l.speaker {
			turns[n-1].Text += " " + l.text
			continue
		}
		turns = append(turns, models.Turn{Speaker: l.speaker, Text: l.text, Topic: topic})
	}
	return turns
}

func (c *Composer) speakerFor(label string) (models.Speaker, bool) {
	label = strings.ToLower(strings.Join(strings.Fields(label), " "))
	switch label {
	case "host", strings.ToLower(c.cfg.HostName):
		return models.SpeakerHost, true
	case "co-host", "cohost", "co host", "co_host", strings.ToLower(c.cfg.CoHostName):
		return models.SpeakerCoHost, true
	}
	return "", false
}

func cleanText(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "*_")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// similar reports Jaccard similarity of the lowercase word sets above the threshold.
func similar(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	wa := wordSet(a)
	wb := wordSet(b)
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	if union == 0 {
		return false
	}
	return float64(inter)/float64(union) > similarityThreshold
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = struct{}{}
	}
	return out
}
