package multimodal

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/pkg/schema"
)

// --- fakes ---

type fakeVision struct {
	calls   atomic.Int32
	lastURL []string
	err     error
}

func (f *fakeVision) Analyze(_ context.Context, urls []string, intent, _ string) (string, error) {
	f.calls.Add(1)
	f.lastURL = urls
	if f.err != nil {
		return "", f.err
	}
	return "a cat on a sofa", nil
}

func newEC(t *testing.T) *execution.Context {
	t.Helper()
	g := graph.MustParse(&schema.FlowDefinition{ID: "f", Nodes: []schema.NodeDefinition{
		{ID: "start", Kind: schema.NodeKindStart},
	}})
	return execution.NewContext("run", nil, g)
}

var (
	photo = schema.Attachment{URL: "https://cdn/x/cat.png", Name: "cat.png"}
	shot  = schema.Attachment{URL: "https://cdn/x/img?id=2", MimeType: "image/jpeg"}
	doc   = schema.Attachment{URL: "https://cdn/x/report.pdf", Name: "report.pdf"}
)

func TestEnrich_NoAttachmentsIsNoOp(t *testing.T) {
	v := &fakeVision{}
	b := NewBuilder(v, "", nil)

	out, err := b.Enrich(context.Background(), newEC(t), nil, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Zero(t, v.calls.Load())
}

func TestEnrich_FilesOnlySkipVision(t *testing.T) {
	v := &fakeVision{}
	b := NewBuilder(v, "", nil)

	out, err := b.Enrich(context.Background(), newEC(t), []schema.Attachment{doc}, "see file")
	require.NoError(t, err)
	assert.Equal(t, "see file\n[report.pdf](https://cdn/x/report.pdf)", out)
	assert.Zero(t, v.calls.Load())
}

func TestEnrich_ImagesDescribedOncePerRun(t *testing.T) {
	v := &fakeVision{}
	b := NewBuilder(v, "vision-model", nil)
	ec := newEC(t)
	atts := []schema.Attachment{photo, doc, shot}

	out, err := b.Enrich(context.Background(), ec, atts, "what is this?")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(out), len("what is this?"))
	assert.Contains(t, out, "what is this?")
	assert.Contains(t, out, "[report.pdf](https://cdn/x/report.pdf)")
	assert.Contains(t, out, "![cat.png](https://cdn/x/cat.png)")
	assert.Contains(t, out, "description: a cat on a sofa")
	assert.Equal(t, []string{photo.URL, shot.URL}, v.lastURL)

	again, err := b.Enrich(context.Background(), ec, atts, "what is this?")
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Equal(t, int32(1), v.calls.Load())

	// A new run asks again.
	_, err = b.Enrich(context.Background(), newEC(t), atts, "what is this?")
	require.NoError(t, err)
	assert.Equal(t, int32(2), v.calls.Load())
}

func TestEnrich_VisionFailureIsUpstream(t *testing.T) {
	b := NewBuilder(&fakeVision{err: errors.New("quota")}, "", nil)
	_, err := b.Enrich(context.Background(), newEC(t), []schema.Attachment{photo}, "x")
	assert.Equal(t, schema.ErrCodeUpstream, schema.CodeOf(err))
}

func TestEnrich_NoVisionListsImages(t *testing.T) {
	b := NewBuilder(nil, "", nil)
	out, err := b.Enrich(context.Background(), newEC(t), []schema.Attachment{photo}, "x")
	require.NoError(t, err)
	assert.Equal(t, "x\n<images>\n![cat.png](https://cdn/x/cat.png)\n</images>", out)
}
