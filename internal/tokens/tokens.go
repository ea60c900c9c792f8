// Package tokens measures the token cost of extracted records.
//
// Counts come from the cl100k_base BPE when it can be loaded and fall back
// to the chars/4 estimate otherwise, so a counter is always usable.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/HendryAvila/recall/internal/memory"
)

// Encoding is the BPE used for exact counts.
const Encoding = "cl100k_base"

// Counter counts tokens. The zero value estimates.
type Counter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// New loads the BPE. Loading may need network access on first use.
func New() (*Counter, error) {
	enc, err := tiktoken.GetEncoding(Encoding)
	if err != nil {
		return nil, err
	}
	return &Counter{enc: enc}, nil
}

// Estimate returns a counter that only uses the chars/4 estimate.
func Estimate() *Counter {
	return &Counter{}
}

// NewOrEstimate returns an exact counter when possible and an estimating
// one otherwise, along with the load error if any.
func NewOrEstimate() (*Counter, error) {
	c, err := New()
	if err != nil {
		return Estimate(), err
	}
	return c, nil
}

// Exact reports whether counts come from the BPE.
func (c *Counter) Exact() bool {
	return c != nil && c.enc != nil
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if !c.Exact() {
		return memory.EstimateTokens(text)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// Observation returns the token cost of an extracted observation.
func (c *Counter) Observation(o memory.ObservationInput) int {
	parts := []string{o.Title, o.Subtitle, o.Narrative}
	parts = append(parts, o.Facts...)
	parts = append(parts, o.Concepts...)
	return c.Count(strings.Join(nonEmpty(parts), "\n"))
}

// Summary returns the token cost of an extracted summary.
func (c *Counter) Summary(s memory.SummaryInput) int {
	parts := []string{s.Request, s.Investigated, s.Learned, s.Completed, s.NextSteps, s.Notes}
	return c.Count(strings.Join(nonEmpty(parts), "\n"))
}

func nonEmpty(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
