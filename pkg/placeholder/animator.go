// Package placeholder は生成中のキャンバスに表示するプレースホルダー
// ノードのアニメーションを管理します。ドキュメントへの書き込みは
// 単一ワーカーのキュー経由で直列化され、競合書き込みを起こしません。
package placeholder

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// GraphWriter はアニメーターがドキュメントに対して行う操作の窓口です。
// 実装はワーカーゴルーチンからのみ呼ばれます。
type GraphWriter interface {
	UpdateNodeText(nodeID, text string) error
	RemoveNodes(nodeIDs []string) error
}

// spinnerFrames は点滅インジケーターのフレーム列です。
var spinnerFrames = []string{"●○○", "○●○", "○○●", "○●○"}

// phaseLabels は進行フェーズの表示名です。未知のフェーズはそのまま
// 表示されます。
var phaseLabels = map[string]string{
	"queued":      "順番待ち",
	"generating":  "生成中",
	"downloading": "ダウンロード中",
	"saving":      "保存中",
	"finishing":   "仕上げ中",
}

const writeQueueDepth = 16

// Session は1回の生成に対応するプレースホルダーの集合を管理します。
// Start で開始し、生成の進捗に合わせて SetPhase を呼び、完了・失敗の
// いずれでも必ず Stop してください。
type Session struct {
	writer    GraphWriter
	interval  time.Duration
	startedAt time.Time

	mu      sync.Mutex
	nodeIDs []string
	phase   string
	frame   int
	stopped bool

	queue    chan func()
	done     chan struct{}
	stopOnce sync.Once
}

// NewSession はアニメーションセッションを作ります。nodeIDs は事前に
// ドキュメントへ挿入済みのプレースホルダーノードのIDです。
func NewSession(writer GraphWriter, nodeIDs []string, interval time.Duration) *Session {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Session{
		writer:    writer,
		interval:  interval,
		startedAt: time.Now(),
		nodeIDs:   append([]string(nil), nodeIDs...),
		phase:     "queued",
		queue:     make(chan func(), writeQueueDepth),
		done:      make(chan struct{}),
	}
}

// Start はワーカーとティッカーを起動します。二重起動は想定していません。
func (s *Session) Start() {
	go s.worker()
	go s.tick()
}

// worker はキューに積まれた書き込みを順番に実行します。
func (s *Session) worker() {
	defer close(s.done)
	for fn := range s.queue {
		fn()
	}
}

// tick は一定間隔でフレーム更新をキューに積みます。キューが詰まって
// いるときはそのフレームを捨て、ティッカーをブロックさせないのだ。
func (s *Session) tick() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.frame++
		text := s.renderLocked()
		ids := append([]string(nil), s.nodeIDs...)
		s.mu.Unlock()

		s.enqueue(func() {
			for _, id := range ids {
				_ = s.writer.UpdateNodeText(id, text)
			}
		})
	}
}

// enqueue は書き込みをキューへ積みます。停止後の呼び出しと満杯時は
// 黙って捨てます。Stop との競合を避けるため、送信までロックを保持するのだ。
func (s *Session) enqueue(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	select {
	case s.queue <- fn:
	default:
	}
}

// renderLocked は現在のフェーズ・フレーム・経過秒数から表示テキストを
// 組み立てます。mu を保持した状態で呼ぶこと。
func (s *Session) renderLocked() string {
	spinner := spinnerFrames[s.frame%len(spinnerFrames)]
	label := s.phase
	if v, ok := phaseLabels[label]; ok {
		label = v
	}
	elapsed := int(time.Since(s.startedAt).Seconds())
	return fmt.Sprintf("%s %s… (%ds)", spinner, label, elapsed)
}

// SetPhase は表示フェーズを切り替え、即座に1回描画します。
func (s *Session) SetPhase(raw string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.phase = normalizePhase(raw)
	text := s.renderLocked()
	ids := append([]string(nil), s.nodeIDs...)
	s.mu.Unlock()

	s.enqueue(func() {
		for _, id := range ids {
			_ = s.writer.UpdateNodeText(id, text)
		}
	})
}

// Replace は保存済み出力の枚数ぶんプレースホルダーを管理対象から外します。
// ノード自体の差し替え（画像ノード化）は呼び出し側が行い、ここでは
// アニメーション対象から除外するだけです。
func (s *Session) Replace(count int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if count > len(s.nodeIDs) {
		count = len(s.nodeIDs)
	}
	released := append([]string(nil), s.nodeIDs[:count]...)
	s.nodeIDs = s.nodeIDs[count:]
	return released
}

// Remove は残っているプレースホルダーノードをドキュメントから削除します。
// ロールバック経路で Stop の後に呼びます。
func (s *Session) Remove() {
	s.mu.Lock()
	ids := append([]string(nil), s.nodeIDs...)
	s.nodeIDs = nil
	s.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	_ = s.writer.RemoveNodes(ids)
}

// Stop はアニメーションを止め、キュー済みの書き込みが全て適用される
// まで待ちます。Stop 以降の書き込みは発生しません。何度呼んでも
// 安全です。
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.queue)
		<-s.done
	})
}

// RemainingNodeIDs は未解放のプレースホルダーIDを返します。
func (s *Session) RemainingNodeIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.nodeIDs...)
}

// normalizePhase は生のフェーズ文字列を表示用の既知フェーズへ寄せます。
// API側のフェーズ名は前方一致で丸めます。
func normalizePhase(raw string) string {
	p := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case p == "", strings.HasPrefix(p, "queue"), strings.HasPrefix(p, "pend"):
		return "queued"
	case strings.HasPrefix(p, "gen"), strings.HasPrefix(p, "proc"), strings.HasPrefix(p, "run"):
		return "generating"
	case strings.HasPrefix(p, "down"), strings.HasPrefix(p, "fetch"):
		return "downloading"
	case strings.HasPrefix(p, "sav"), strings.HasPrefix(p, "writ"):
		return "saving"
	case strings.HasPrefix(p, "fin"), strings.HasPrefix(p, "compl"):
		return "finishing"
	default:
		return p
	}
}

// PlaceholderText は挿入直後のプレースホルダーノードに入れる初期
// テキストです。
func PlaceholderText() string {
	return spinnerFrames[0] + " " + phaseLabels["queued"] + "… (0s)"
}
