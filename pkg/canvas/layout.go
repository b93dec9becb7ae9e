package canvas

import (
	"fmt"

	"github.com/shouni/go-canvas-kit/pkg/domain"
)

const (
	// slotMargin はアンカーと出力、および出力同士の間隔です。
	slotMargin = 40
	// slotColumns は1行に並べる出力スロットの最大数なのだ。
	slotColumns = 2
	// maxPlacementRows は空き探索を打ち切る行数の上限です。
	maxPlacementRows = 64
)

// ComputeNextFreeSlot はアンカーの右側に count 個分の空きスロットを計算します。
// 既存ノードと重なる候補位置は読み飛ばし、左上から行優先で詰めていきます。
func (d *Document) ComputeNextFreeSlot(anchorID string, count int, frame domain.Slot) ([]domain.Slot, error) {
	anchor := d.Node(anchorID)
	if anchor == nil {
		return nil, fmt.Errorf("アンカーノード %q が見つかりません", anchorID)
	}
	if count <= 0 {
		return nil, fmt.Errorf("スロット数は1以上である必要があります")
	}

	originX := anchor.X + anchor.Width + slotMargin
	originY := anchor.Y

	slots := make([]domain.Slot, 0, count)
	// 計算中のスロット同士の重なりも避けるため、占有済み矩形を逐次追加していくのだ。
	occupied := make([]domain.Slot, 0, len(d.nodeOrder)+count)
	for _, id := range d.nodeOrder {
		n := d.nodes[id]
		occupied = append(occupied, domain.Slot{X: n.X, Y: n.Y, Width: n.Width, Height: n.Height})
	}

	for row := 0; row < maxPlacementRows && len(slots) < count; row++ {
		for col := 0; col < slotColumns && len(slots) < count; col++ {
			candidate := domain.Slot{
				X:      originX + col*(frame.Width+slotMargin),
				Y:      originY + row*(frame.Height+slotMargin),
				Width:  frame.Width,
				Height: frame.Height,
			}
			if intersectsAny(candidate, occupied) {
				continue
			}
			slots = append(slots, candidate)
			occupied = append(occupied, candidate)
		}
	}
	if len(slots) < count {
		return nil, fmt.Errorf("空きスロットを%d個確保できませんでした", count)
	}
	return slots, nil
}

func intersectsAny(s domain.Slot, others []domain.Slot) bool {
	for _, o := range others {
		if s.X < o.X+o.Width && o.X < s.X+s.Width &&
			s.Y < o.Y+o.Height && o.Y < s.Y+s.Height {
			return true
		}
	}
	return false
}
