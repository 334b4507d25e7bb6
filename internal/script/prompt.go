package script

import (
	"fmt"
	"strings"
)

type segmentPosition int

const (
	positionOnly segmentPosition = iota
	positionOpening
	positionMiddle
	positionClosing
)

func position(i, n int) segmentPosition {
	switch {
	case n == 1:
		return positionOnly
	case i == 0:
		return positionOpening
	case i == n-1:
		return positionClosing
	default:
		return positionMiddle
	}
}

func (p segmentPosition) instruction(host string) string {
	switch p {
	case positionOnly:
		return fmt.Sprintf("This is the whole episode: %s opens the show and welcomes listeners, and the hosts close it with a short sign-off.", host)
	case positionOpening:
		return fmt.Sprintf("This is the first segment: %s opens the show and welcomes listeners. Do not sign off.", host)
	case positionClosing:
		return "This is the last segment: move into the topic with a natural transition and end the episode with a short sign-off."
	default:
		return "This is a middle segment: move into the topic with a natural transition. Do not welcome listeners or sign off."
	}
}

func (c *Composer) systemPrompt(budget int, language string, pos segmentPosition) string {
	host, cohost := c.cfg.HostName, c.cfg.CoHostName
	var b strings.Builder
	fmt.Fprintf(&b, "You are writing a podcast script for two hosts named %s and %s. ", host, cohost)
	b.WriteString("Create a natural conversation about the topic based on the provided articles. ")
	fmt.Fprintf(&b, "The segment should be about %d words, written in a conversational style, in the language with code %q.\n", budget, language)
	b.WriteString(pos.instruction(host))
	b.WriteString("\nImportant rules:\n")
	b.WriteString("1. Hosts should NEVER repeat what was just said\n")
	b.WriteString("2. Each line should build on the previous one\n")
	b.WriteString("3. Alternate between speakers on every line\n")
	b.WriteString("4. Each speaker should acknowledge what the other just said before adding new information\n")
	b.WriteString("5. Cite sources naturally within the conversation\n")
	fmt.Fprintf(&b, "Write one line per turn, prefixed with 'HOST:' for %s or 'CO-HOST:' for %s. Output only the dialogue.", host, cohost)
	return b.String()
}

func (c *Composer) userPrompt(g topicGroup, prev string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Here are articles about %s:\n\n", g.topic)
	docs := g.docs
	if len(docs) > c.cfg.DocsPerTopic {
		docs = docs[:c.cfg.DocsPerTopic]
	}
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "ARTICLE %d:\nTitle: %s\nSource: %s\nContent: %s", i+1, d.Title, d.SourceName, d.Body)
	}
	if prev != "" {
		fmt.Fprintf(&b, "\n\nThe previous segment ended with this line:\n%s", prev)
	}
	b.WriteString("\n\nCreate a conversational podcast segment following the rules above.")
	return b.String()
}
