// Package knowledge defines the knowledge-retrieval capability and a
// multi-dataset searcher that queries several retrievers concurrently.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowengine/pkg/schema"
)

// Fragment is one retrieved piece of knowledge.
type Fragment struct {
	ID       string         `json:"id"`
	Dataset  string         `json:"dataset,omitempty"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Retriever searches a single knowledge base.
type Retriever interface {
	Search(ctx context.Context, query string, limit int, threshold float64) ([]Fragment, error)
}

// Searcher fans a query out to named datasets and merges the results.
type Searcher struct {
	mu       sync.RWMutex
	datasets map[string]Retriever
	fallback Retriever
}

// NewSearcher creates a Searcher. fallback, when non-nil, serves queries that
// name no dataset.
func NewSearcher(fallback Retriever) *Searcher {
	return &Searcher{datasets: make(map[string]Retriever), fallback: fallback}
}

// AddDataset registers a retriever under name, replacing any previous one.
func (s *Searcher) AddDataset(name string, r Retriever) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[name] = r
}

// Datasets returns the registered dataset names, sorted.
func (s *Searcher) Datasets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.datasets))
	for n := range s.datasets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Search queries every named dataset concurrently (all datasets when none
// are named and there is no fallback), keeps fragments scoring at least
// threshold, and returns the best limit fragments by descending score.
// An unknown dataset, or a searcher with nothing registered, is NOT_FOUND;
// any retriever failure fails the search.
func (s *Searcher) Search(ctx context.Context, datasets []string, query string, limit int, threshold float64) ([]Fragment, error) {
	targets, err := s.targets(datasets)
	if err != nil {
		return nil, err
	}
	results := make([][]Fragment, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			frags, err := t.r.Search(gctx, query, limit, threshold)
			if err != nil {
				return fmt.Errorf("dataset %s: %w", t.name, err)
			}
			for j := range frags {
				if frags[j].Dataset == "" {
					frags[j].Dataset = t.name
				}
			}
			results[i] = frags
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, schema.Upstream("knowledge", err)
	}

	var merged []Fragment
	for _, frags := range results {
		for _, f := range frags {
			if f.Score >= threshold {
				merged = append(merged, f)
			}
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

type namedRetriever struct {
	name string
	r    Retriever
}

func (s *Searcher) targets(datasets []string) ([]namedRetriever, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(datasets) == 0 {
		if s.fallback != nil {
			return []namedRetriever{{name: "default", r: s.fallback}}, nil
		}
		if len(s.datasets) == 0 {
			return nil, schema.NewError(schema.ErrCodeNotFound, "no knowledge datasets registered")
		}
		datasets = make([]string, 0, len(s.datasets))
		for n := range s.datasets {
			datasets = append(datasets, n)
		}
		sort.Strings(datasets)
	}

	out := make([]namedRetriever, 0, len(datasets))
	for _, name := range datasets {
		r, ok := s.datasets[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "knowledge dataset %q not registered", name)
		}
		out = append(out, namedRetriever{name: name, r: r})
	}
	return out, nil
}

// Join renders fragments as a single text block, one fragment per paragraph.
func Join(frags []Fragment) string {
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		parts = append(parts, strings.TrimSpace(f.Content))
	}
	return strings.Join(parts, "\n\n")
}
