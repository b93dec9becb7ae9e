package placeholder

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockGraph は書き込みを記録する GraphWriter なのだ。
type mockGraph struct {
	mu      sync.Mutex
	updates map[string][]string
	removed [][]string
}

func newMockGraph() *mockGraph {
	return &mockGraph{updates: map[string][]string{}}
}

func (g *mockGraph) UpdateNodeText(nodeID, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates[nodeID] = append(g.updates[nodeID], text)
	return nil
}

func (g *mockGraph) RemoveNodes(nodeIDs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed = append(g.removed, nodeIDs)
	return nil
}

func (g *mockGraph) updateCount(nodeID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.updates[nodeID])
}

func TestSession(t *testing.T) {
	t.Run("SetPhase の書き込みは Stop までに必ず適用されるのだ", func(t *testing.T) {
		graph := newMockGraph()
		session := NewSession(graph, []string{"n1", "n2"}, time.Hour)
		session.Start()

		session.SetPhase("generating")
		session.Stop()

		require.GreaterOrEqual(t, graph.updateCount("n1"), 1)
		require.GreaterOrEqual(t, graph.updateCount("n2"), 1)

		graph.mu.Lock()
		last := graph.updates["n1"][len(graph.updates["n1"])-1]
		graph.mu.Unlock()
		assert.Contains(t, last, "生成中")
	})

	t.Run("表示テキストには経過秒数が入るのだ", func(t *testing.T) {
		graph := newMockGraph()
		session := NewSession(graph, []string{"n1"}, time.Hour)
		session.Start()

		session.SetPhase("generating")
		session.Stop()

		graph.mu.Lock()
		last := graph.updates["n1"][len(graph.updates["n1"])-1]
		graph.mu.Unlock()
		assert.Regexp(t, `\(\d+s\)$`, last)
	})

	t.Run("Stop 後は書き込みが発生しない", func(t *testing.T) {
		graph := newMockGraph()
		session := NewSession(graph, []string{"n1"}, time.Millisecond)
		session.Start()
		session.Stop()

		before := graph.updateCount("n1")
		session.SetPhase("saving")
		time.Sleep(10 * time.Millisecond)

		assert.Equal(t, before, graph.updateCount("n1"))
	})

	t.Run("Stop は何度呼んでも安全なのだ", func(t *testing.T) {
		session := NewSession(newMockGraph(), []string{"n1"}, time.Hour)
		session.Start()
		session.Stop()
		session.Stop()
	})

	t.Run("Replace は先頭から指定枚数を管理対象から外す", func(t *testing.T) {
		session := NewSession(newMockGraph(), []string{"n1", "n2", "n3"}, time.Hour)

		released := session.Replace(2)

		assert.Equal(t, []string{"n1", "n2"}, released)
		assert.Equal(t, []string{"n3"}, session.RemainingNodeIDs())

		// 残数を超える指定は残り全部になる
		assert.Equal(t, []string{"n3"}, session.Replace(10))
		assert.Empty(t, session.RemainingNodeIDs())
	})

	t.Run("Remove は残ノードをまとめて削除するのだ", func(t *testing.T) {
		graph := newMockGraph()
		session := NewSession(graph, []string{"n1", "n2"}, time.Hour)
		session.Start()
		session.Stop()

		session.Remove()

		require.Len(t, graph.removed, 1)
		assert.Equal(t, []string{"n1", "n2"}, graph.removed[0])
		assert.Empty(t, session.RemainingNodeIDs())

		// 2回目は何も起きない
		session.Remove()
		assert.Len(t, graph.removed, 1)
	})

	t.Run("ティッカーがフレームを進める", func(t *testing.T) {
		graph := newMockGraph()
		session := NewSession(graph, []string{"n1"}, 2*time.Millisecond)
		session.Start()

		assert.Eventually(t, func() bool {
			return graph.updateCount("n1") >= 2
		}, time.Second, 5*time.Millisecond)

		session.Stop()
	})
}

func TestNormalizePhase(t *testing.T) {
	tests := map[string]string{
		"":            "queued",
		"QUEUED":      "queued",
		"pending":     "queued",
		"processing":  "generating",
		"running":     "generating",
		"generating":  "generating",
		"downloading": "downloading",
		"fetching":    "downloading",
		"saving":      "saving",
		"writing":     "saving",
		"finishing":   "finishing",
		"completed":   "finishing",
		"weird":       "weird",
	}
	for raw, want := range tests {
		assert.Equal(t, want, normalizePhase(raw), "raw=%q", raw)
	}
}

func TestPlaceholderText(t *testing.T) {
	assert.Contains(t, PlaceholderText(), "順番待ち")
}
