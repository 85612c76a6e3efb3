package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
)

// InMemoryRetriever scores documents by query-term overlap. It backs tests
// and local flows that ship their own small knowledge base.
type InMemoryRetriever struct {
	mu   sync.RWMutex
	docs []Fragment
}

// NewInMemoryRetriever creates a retriever over the given contents.
func NewInMemoryRetriever(contents ...string) *InMemoryRetriever {
	r := &InMemoryRetriever{}
	for _, c := range contents {
		r.Add(Fragment{Content: c})
	}
	return r
}

// Add indexes a fragment, assigning an ID when it has none.
func (r *InMemoryRetriever) Add(f Fragment) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	r.mu.Lock()
	r.docs = append(r.docs, f)
	r.mu.Unlock()
}

// Search returns documents whose share of matched query terms is at least
// threshold, best first.
func (r *InMemoryRetriever) Search(_ context.Context, query string, limit int, threshold float64) ([]Fragment, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Fragment
	for _, d := range r.docs {
		words := make(map[string]bool)
		for _, w := range tokenize(d.Content) {
			words[w] = true
		}
		hits := 0
		for _, t := range terms {
			if words[t] {
				hits++
			}
		}
		score := float64(hits) / float64(len(terms))
		if hits == 0 || score < threshold {
			continue
		}
		f := d
		f.Score = score
		out = append(out, f)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
