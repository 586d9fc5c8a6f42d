package wire

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/loom/pkg/engine"
)

func TestMemoryTriple_SendReceive(t *testing.T) {
	triple := NewMemoryTriple()

	first := []engine.NodeCommand{engine.Activate(1), engine.Custom("delete_spawned", 4)}
	second := []engine.NodeCommand{engine.Swap(2, 3, 5)}

	rec1, err := Send(triple, PayloadNodeCommand, first)
	require.NoError(t, err)
	rec2, err := Send(triple, PayloadNodeCommand, second)
	require.NoError(t, err)

	assert.Equal(t, int64(0), rec1.FramesOffset)
	assert.Equal(t, int64(2*FrameSize), rec2.FramesOffset)
	assert.Equal(t, rec1.BlobLen, rec2.BlobOffset)

	batches, err := Receive(triple)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	assert.Equal(t, rec1.Batch, batches[0].Record.Batch)
	assert.Equal(t, first, batches[0].Commands)
	assert.Equal(t, second, batches[1].Commands)
}

func TestMemoryTriple_Empty(t *testing.T) {
	batches, err := Receive(NewMemoryTriple())
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestDirTriple_AppendsAcrossOpens(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "triple")

	triple, err := OpenDirTriple(dir)
	require.NoError(t, err)
	_, err = Send(triple, PayloadNodeCommand, []engine.NodeCommand{engine.Activate(1)})
	require.NoError(t, err)

	reopened, err := OpenDirTriple(dir)
	require.NoError(t, err)
	_, err = Send(reopened, PayloadNodeCommand, []engine.NodeCommand{engine.Cancel(2), engine.Resume(3)})
	require.NoError(t, err)

	for _, name := range []string{ControlStream, FramesStream, BlobStream} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "stream %s should exist", name)
	}

	batches, err := Receive(reopened)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, engine.CommandActivate, batches[0].Commands[0].Kind)
	assert.Equal(t, []engine.NodeCommand{engine.Cancel(2), engine.Resume(3)}, batches[1].Commands)
}

func TestReceive_TruncatedFrames(t *testing.T) {
	dir := t.TempDir()
	triple, err := OpenDirTriple(dir)
	require.NoError(t, err)
	_, err = Send(triple, PayloadNodeCommand, []engine.NodeCommand{engine.Activate(1)})
	require.NoError(t, err)

	require.NoError(t, os.Truncate(filepath.Join(dir, FramesStream), FrameSize/2))

	_, err = Receive(triple)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestMemoryTriple_GraphValuesKeepTheirTypes(t *testing.T) {
	graph := engine.NewAttributeGraph().
		Set("blob", []byte{1, 2, 3}).
		Set("empty", []byte{}).
		Set("ratio", 2.0).
		Set("count", 7).
		Set("name", "web").
		Set("enabled", true).
		Set("nothing", nil).
		Set("list", []interface{}{1, "two", 3.0, []byte{4}}).
		Set("nested", map[string]interface{}{
			"weight": 1.0,
			"tags":   []string{"a", "b"},
			"inner":  map[string]interface{}{"raw": []byte{5}},
		})
	graph.Push("next", 4.0)
	update := engine.Update(7, graph)
	update.ID = "cmd-typed"

	triple := NewMemoryTriple()
	_, err := Send(triple, PayloadNodeCommand, []engine.NodeCommand{update})
	require.NoError(t, err)

	batches, err := Receive(triple)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Commands, 1)

	got := batches[0].Commands[0]
	assert.Equal(t, update, got)

	blob, _ := got.Graph.Get("blob")
	assert.IsType(t, []byte{}, blob)
	ratio, _ := got.Graph.Get("ratio")
	assert.IsType(t, float64(0), ratio)
	count, _ := got.Graph.Get("count")
	assert.IsType(t, int64(0), count)

	pending := got.Graph.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 4.0, pending[0].Value)
}
