package canvas

import (
	"fmt"

	"github.com/shouni/go-canvas-kit/pkg/domain"
)

// Adapter は文書グラフへの書き込み窓口です。オーケストレーターと
// プレースホルダーアニメーターはこの狭いインターフェース越しにのみ
// 文書へ触れ、canvas のシリアライズ形式を直接は扱いません。
type Adapter struct {
	doc *Document
}

// NewAdapter は文書を包むアダプターを返します。
func NewAdapter(doc *Document) *Adapter {
	return &Adapter{doc: doc}
}

// Document は内包する文書を返すのだ。保存時にパイプラインが使います。
func (a *Adapter) Document() *Document {
	return a.doc
}

// InsertNode は指定スロットへノードを1つ挿入し、その id を返します。
func (a *Adapter) InsertNode(kind string, slot domain.Slot, payload domain.NodePayload) (string, error) {
	node := Node{
		Kind:   NodeKind(kind),
		X:      slot.X,
		Y:      slot.Y,
		Width:  slot.Width,
		Height: slot.Height,
		Text:   payload.Text,
		File:   payload.FilePath,
	}
	switch node.Kind {
	case KindText, KindFile, KindLink, KindGroup:
	default:
		return "", fmt.Errorf("挿入できないノード種別です: %q", kind)
	}
	return a.doc.AddNode(node)
}

// InsertEdge は2ノード間を接続します。
func (a *Adapter) InsertEdge(fromID, toID string) (string, error) {
	return a.doc.AddEdge(fromID, toID)
}

// RemoveNodes はノード群を接続エッジごと取り除きます。
func (a *Adapter) RemoveNodes(ids []string) error {
	a.doc.RemoveNodes(ids)
	return nil
}

// UpdateNodeText はテキストノードの表示文字列を書き換えます。
func (a *Adapter) UpdateNodeText(id, text string) error {
	n := a.doc.Node(id)
	if n == nil {
		return fmt.Errorf("ノード %q が見つかりません", id)
	}
	n.Text = text
	return nil
}

// ComputeNextFreeSlot は文書のレイアウト計算へ委譲します。
func (a *Adapter) ComputeNextFreeSlot(anchorID string, count int, frame domain.Slot) ([]domain.Slot, error) {
	return a.doc.ComputeNextFreeSlot(anchorID, count, frame)
}
