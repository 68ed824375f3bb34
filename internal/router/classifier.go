package router

import (
	"strings"

	"github.com/szaher/phoneagent/internal/process"
)

// Line is one complete, trimmed unit of agent output.
type Line struct {
	DeviceID string
	Stream   process.Stream
	Text     string
}

// Verdict is a classifier's decision about a line.
type Verdict int

const (
	// Surface routes the line to the transcript.
	Surface Verdict = iota
	// DropPrompt discards an interactive prompt echo.
	DropPrompt
	// DropEmpty discards a line that is blank after trimming.
	DropEmpty
)

func (v Verdict) String() string {
	switch v {
	case Surface:
		return "surface"
	case DropPrompt:
		return "prompt"
	case DropEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Classifier decides whether a line is conversation or framing noise.
// Agents with other prompt conventions plug in their own.
type Classifier interface {
	Classify(line Line) Verdict
}

// DefaultPromptPrefix is the prompt marker printed by the stock agent.
const DefaultPromptPrefix = ">"

// PrefixClassifier drops lines starting with any of its prefixes.
type PrefixClassifier struct {
	Prefixes []string
}

// NewPrefixClassifier returns a classifier for the given prompt prefixes,
// falling back to DefaultPromptPrefix when none are given.
func NewPrefixClassifier(prefixes ...string) *PrefixClassifier {
	var kept []string
	for _, p := range prefixes {
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		kept = []string{DefaultPromptPrefix}
	}
	return &PrefixClassifier{Prefixes: kept}
}

// Classify implements Classifier.
func (c *PrefixClassifier) Classify(line Line) Verdict {
	for _, p := range c.Prefixes {
		if strings.HasPrefix(line.Text, p) {
			return DropPrompt
		}
	}
	return Surface
}

// Chain applies classifiers in order and returns the first non-Surface verdict.
type Chain []Classifier

// Classify implements Classifier.
func (c Chain) Classify(line Line) Verdict {
	for _, cl := range c {
		if v := cl.Classify(line); v != Surface {
			return v
		}
	}
	return Surface
}
