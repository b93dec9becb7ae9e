package canvas

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCanvas = `{
	"nodes": [
		{"id": "prompt-1", "type": "text", "x": 0, "y": 0, "width": 300, "height": 120, "text": "ずんだもんの肖像画"},
		{"id": "ref-1", "type": "file", "x": -400, "y": 0, "width": 300, "height": 300, "file": "refs/zundamon.png"},
		{"id": "ref-2", "type": "link", "x": -400, "y": 400, "width": 300, "height": 300, "url": "https://example.com/pose.png"}
	],
	"edges": [
		{"id": "e1", "fromNode": "ref-1", "toNode": "prompt-1"},
		{"id": "e2", "fromNode": "ref-2", "toNode": "prompt-1"}
	]
}`

func TestParse(t *testing.T) {
	t.Run("ノードとエッジが挿入順で読み込まれるのだ", func(t *testing.T) {
		doc, err := Parse([]byte(sampleCanvas))
		require.NoError(t, err)

		assert.Equal(t, 3, doc.NodeCount())
		assert.Equal(t, 2, doc.EdgeCount())
		require.NotNil(t, doc.Node("prompt-1"))
		assert.Equal(t, KindText, doc.Node("prompt-1").Kind)
		assert.Equal(t, "refs/zundamon.png", doc.Node("ref-1").File)
	})

	t.Run("実在しないノードを指すエッジは不正なのだ", func(t *testing.T) {
		_, err := Parse([]byte(`{"nodes":[{"id":"a","type":"text"}],"edges":[{"id":"e","fromNode":"a","toNode":"ghost"}]}`))
		require.Error(t, err)
	})

	t.Run("重複idは不正なのだ", func(t *testing.T) {
		_, err := Parse([]byte(`{"nodes":[{"id":"a","type":"text"},{"id":"a","type":"text"}]}`))
		require.Error(t, err)
	})
}

func TestDocument_Marshal(t *testing.T) {
	t.Run("読み込んだ文書はそのまま書き戻せる", func(t *testing.T) {
		doc, err := Parse([]byte(sampleCanvas))
		require.NoError(t, err)

		data, err := doc.Marshal()
		require.NoError(t, err)

		reparsed, err := Parse(data)
		require.NoError(t, err)
		assert.Equal(t, doc.NodeCount(), reparsed.NodeCount())
		assert.Equal(t, doc.EdgeCount(), reparsed.EdgeCount())

		// ノード順が維持されている
		var roundtrip struct {
			Nodes []Node `json:"nodes"`
		}
		require.NoError(t, json.Unmarshal(data, &roundtrip))
		assert.Equal(t, "prompt-1", roundtrip.Nodes[0].ID)
		assert.Equal(t, "ref-1", roundtrip.Nodes[1].ID)
	})

	t.Run("未知のノード種別は書き出せないのだ", func(t *testing.T) {
		doc := NewDocument()
		_, err := doc.AddNode(Node{Kind: NodeKind("mystery")})
		require.NoError(t, err)

		_, err = doc.Marshal()
		require.Error(t, err)
	})
}

func TestDocument_RemoveNodes(t *testing.T) {
	t.Run("接続エッジごと取り除かれるのだ", func(t *testing.T) {
		doc, err := Parse([]byte(sampleCanvas))
		require.NoError(t, err)

		doc.RemoveNodes([]string{"ref-1"})

		assert.Nil(t, doc.Node("ref-1"))
		assert.Equal(t, 2, doc.NodeCount())
		assert.Equal(t, 1, doc.EdgeCount())
		assert.Len(t, doc.LinkedFrom("prompt-1"), 1)
	})

	t.Run("存在しないidの削除は何も起きない", func(t *testing.T) {
		doc, err := Parse([]byte(sampleCanvas))
		require.NoError(t, err)

		doc.RemoveNodes([]string{"ghost"})

		assert.Equal(t, 3, doc.NodeCount())
		assert.Equal(t, 2, doc.EdgeCount())
	})
}

func TestDocument_LinkedFrom(t *testing.T) {
	doc, err := Parse([]byte(sampleCanvas))
	require.NoError(t, err)

	linked := doc.LinkedFrom("prompt-1")
	require.Len(t, linked, 2)
	assert.Equal(t, "ref-1", linked[0].ID)
	assert.Equal(t, "ref-2", linked[1].ID)

	assert.Empty(t, doc.LinkedFrom("ref-1"))
}

func TestNewID(t *testing.T) {
	id := newID()
	assert.Len(t, id, 16)
	assert.NotEqual(t, id, newID())
}
