package workload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvanbenschoten/oplogtoy/oplog"
	"github.com/nvanbenschoten/oplogtoy/producer"
)

func TestGeneratorEmitsOrderedValidEntries(t *testing.T) {
	gen := NewGenerator(Config{Ops: 500, UpdateFrac: 0.2, DeleteFrac: 0.1})
	prod := producer.NewMem()
	require.NoError(t, gen.Run(context.Background(), prod))

	var prev oplog.OpTime
	var count int
	for {
		e, ok := prod.Peek()
		require.True(t, ok)
		prod.Consume()
		if e.Sentinel() {
			break
		}
		count++
		assert.Equal(t, oplog.SupportedVersion, e.Version)
		assert.True(t, e.IsCRUD(), "op %q", e.Op)
		assert.NotEmpty(t, e.Namespace)
		assert.True(t, e.OpTime().After(prev), "timestamps must be monotone")
		prev = e.OpTime()
	}
	assert.Equal(t, 500, count)
	assert.Equal(t, 0, prod.Len())
}

func TestGeneratorOpMix(t *testing.T) {
	gen := NewGenerator(Config{Ops: 1000, UpdateFrac: 0.3, DeleteFrac: 0.1})
	prod := producer.NewMem()
	require.NoError(t, gen.Run(context.Background(), prod))

	counts := map[string]int{}
	for {
		e, ok := prod.Peek()
		require.True(t, ok)
		prod.Consume()
		if e.Sentinel() {
			break
		}
		counts[e.Op]++
	}
	assert.Greater(t, counts["i"], 0)
	assert.Greater(t, counts["u"], 0)
	assert.Greater(t, counts["d"], 0)
	assert.Greater(t, counts["i"], counts["d"])
}
