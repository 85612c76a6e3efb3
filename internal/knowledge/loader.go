package knowledge

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/flowengine/pkg/schema"
)

var documentExtensions = map[string]bool{".txt": true, ".md": true}

// LoadDir indexes every .txt and .md file under dir into an in-memory
// retriever. Each blank-line separated paragraph becomes one fragment whose
// ID is "<relative path>#<paragraph>".
func LoadDir(dir string) (*InMemoryRetriever, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "knowledge directory %s not found", dir).WithCause(err)
	}
	if !info.IsDir() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "knowledge path %s is not a directory", dir)
	}

	r := &InMemoryRetriever{}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !documentExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		rel = filepath.ToSlash(rel)
		for i, para := range paragraphs(string(data)) {
			r.Add(Fragment{
				ID:       fmt.Sprintf("%s#%d", rel, i+1),
				Content:  para,
				Metadata: map[string]any{"source": rel},
			})
		}
		return nil
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load knowledge directory %s", dir).WithCause(err)
	}
	return r, nil
}

// Len returns the number of indexed fragments.
func (r *InMemoryRetriever) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		if p := strings.TrimSpace(block); p != "" {
			out = append(out, p)
		}
	}
	return out
}
