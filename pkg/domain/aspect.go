package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseAspectRatio は "W:H" / "WxH" / "W/H" 形式の文字列を比率として解釈します。
// 空文字列は 1:1 として扱うのだ。区切り文字の大文字 X も許容します。
func ParseAspectRatio(s string) (w, h int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1, 1, nil
	}
	normalized := strings.NewReplacer("x", ":", "X", ":", "/", ":").Replace(s)
	parts := strings.Split(normalized, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("アスペクト比 %q を解釈できません", s)
	}
	w, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("アスペクト比 %q の幅が不正です", s)
	}
	h, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("アスペクト比 %q の高さが不正です", s)
	}
	return w, h, nil
}

// FrameForAspect は基準幅からアスペクト比に合わせたスロット寸法を計算します。
// 比率が解釈できない場合は正方形にフォールバックするのだ（プロバイダへは
// 元の文字列をそのまま渡すため、レイアウトだけの妥協で済む）。
func FrameForAspect(aspect string, baseWidth int) Slot {
	w, h, err := ParseAspectRatio(aspect)
	if err != nil {
		return Slot{Width: baseWidth, Height: baseWidth}
	}
	return Slot{Width: baseWidth, Height: baseWidth * h / w}
}
