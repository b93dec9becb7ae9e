package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/shouni/go-canvas-kit/pkg/domain"
)

// PollPolicy はポーリングの間隔・バックオフ・待機上限をひとまとめにした値です。
// 仕組み（Poller）と方針を分離しておくことで、本線の長時間ポーリングと
// URL再取得用の短命ポーリングを同じ実装で賄えるのだ。
type PollPolicy struct {
	// Interval は次の取得までの基本待機時間です。
	Interval time.Duration
	// MaxInterval を Interval より大きく設定すると、待機時間が
	// backoffFactor 倍ずつこの値まで伸びていきます。
	MaxInterval time.Duration
	// MaxWait が正の場合、超過時に ErrPollTimeout で打ち切ります。
	// 本線のポーリングには設定しません（分単位で正当に走るため）。
	MaxWait time.Duration
	// InitialDelay は最初の取得前に置く待機時間です。
	InitialDelay time.Duration
}

const backoffFactor = 1.5

// Poller はジョブが終端状態に達するまで状態を再取得し続けます。
type Poller struct {
	client APIClient
}

// NewPoller は Poller を初期化します。
func NewPoller(client APIClient) *Poller {
	return &Poller{client: client}
}

// Poll は終端状態（succeeded / failed）のジョブを返します。
// failed のジョブもエラーではなく値として返し、分類は呼び出し側に委ねます。
// キャンセルは毎回の待機前と取得前に検査し、観測後は一切の通信を行いません。
func (p *Poller) Poll(ctx context.Context, jobID, pollURLHint string, policy PollPolicy, onUpdate UpdateFunc) (domain.GenerationJob, error) {
	if policy.Interval <= 0 {
		return domain.GenerationJob{}, fmt.Errorf("ポーリング間隔が設定されていません")
	}

	var deadline time.Time
	if policy.MaxWait > 0 {
		deadline = time.Now().Add(policy.MaxWait)
	}

	if policy.InitialDelay > 0 {
		if err := sleepCtx(ctx, policy.InitialDelay); err != nil {
			return domain.GenerationJob{}, err
		}
	}

	interval := policy.Interval
	for {
		if err := ctx.Err(); err != nil {
			return domain.GenerationJob{}, err
		}
		job, err := p.client.PollJob(ctx, jobID, pollURLHint)
		if err != nil {
			return domain.GenerationJob{}, fmt.Errorf("ジョブ %s の状態取得に失敗しました: %w", jobID, err)
		}
		if job.Status.Terminal() {
			return job, nil
		}
		if onUpdate != nil {
			onUpdate(job)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return domain.GenerationJob{}, domain.ErrPollTimeout
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return domain.GenerationJob{}, err
		}
		if policy.MaxInterval > policy.Interval {
			interval = time.Duration(float64(interval) * backoffFactor)
			if interval > policy.MaxInterval {
				interval = policy.MaxInterval
			}
		}
	}
}

// sleepCtx はキャンセル可能な待機なのだ。
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
