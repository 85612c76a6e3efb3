package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/internal/memory"
	"github.com/rendis/flowengine/internal/plugins"
	"github.com/rendis/flowengine/pkg/schema"
)

func TestNewApp_UnreachableToolSetIsSkipped(t *testing.T) {
	cfg := testConfig(t)
	cfg.ToolSets = []plugins.ToolSetConfig{{ID: "ghost", Command: "/nonexistent/mcp-server"}}

	a, err := newApp(context.Background(), cfg, logging.New(io.Discard, "error"), appOptions{})
	require.NoError(t, err)
	require.NotNil(t, a.toolSets)
	assert.Empty(t, a.toolSets.Status())

	_, err = a.catalog.Get("get_current_time")
	assert.NoError(t, err, "built-in tools stay registered")
	assert.NoError(t, a.Close())
}

func TestNewApp_SubFlowsWithoutFlowDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.FlowDir = ""

	a, err := newApp(context.Background(), cfg, logging.New(io.Discard, "error"), appOptions{})
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.flows)
	_, err = a.resolveFlow(context.Background(), "missing")
	assert.Error(t, err)
}

func TestNewApp_KnowledgeDatasets(t *testing.T) {
	kb := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(kb, "hours.txt"), []byte("Opening hours are 9 to 5."), 0o644))

	cfg := testConfig(t)
	cfg.Knowledge = map[string]string{"faq": kb}
	a, err := newApp(context.Background(), cfg, logging.New(io.Discard, "error"), appOptions{})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{"faq"}, a.knowledge.Datasets())
	frags, err := a.knowledge.Search(context.Background(), nil, "opening hours", 5, 0)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, "faq", frags[0].Dataset)

	cfg.Knowledge = map[string]string{"faq": filepath.Join(kb, "missing")}
	_, err = newApp(context.Background(), cfg, logging.New(io.Discard, "error"), appOptions{})
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestApp_SeedHistory(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), logging.New(io.Discard, "error"), appOptions{})
	require.NoError(t, err)
	defer a.Close()

	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id": "m1", "role": "user", "content": "hello"}]`), 0o644))
	tr := &schema.Trigger{AgentID: "bot", ConversationID: "c1"}

	n, err := a.seedHistory(context.Background(), path, tr)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	records, err := a.memory.History().Recent(context.Background(), memory.ConversationKey(tr), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "m1", records[0].ID)

	require.NoError(t, os.WriteFile(path, []byte(`{"not": "a list"}`), 0o644))
	_, err = a.seedHistory(context.Background(), path, tr)
	assert.Equal(t, schema.ErrCodeParse, schema.CodeOf(err))
}
