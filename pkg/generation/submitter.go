package generation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/shouni/go-canvas-kit/pkg/domain"
)

// minBatchAttempts はサブジョブ試行回数の下限です。
// 上限は max(minBatchAttempts, 要求枚数*3) で、ゼロ出力が続いても必ず停止します。
const minBatchAttempts = 3

// Submitter は要求枚数をモデル毎の上限に合わせて複数のサブジョブへ分割し、
// 各サブジョブを投入してポーリングまで面倒を見ます。
type Submitter struct {
	client   APIClient
	poller   *Poller
	policy   PollPolicy
	limiter  *rate.Limiter
	runScope string
}

// NewSubmitter は Submitter を初期化します。runScope は実行単位の識別子で、
// 冪等性キーのスコープになります。limiter は nil 可（流量制限なし）なのだ。
func NewSubmitter(client APIClient, poller *Poller, policy PollPolicy, limiter *rate.Limiter, runScope string) *Submitter {
	return &Submitter{
		client:   client,
		poller:   poller,
		policy:   policy,
		limiter:  limiter,
		runScope: runScope,
	}
}

// JobOutput は出力と、それを生んだジョブの対です。ダウンロードURLの
// 再取得にはジョブ側の情報が必要になります。Ordinal はバッチ全体での
// 並び順です。
type JobOutput struct {
	Job     domain.GenerationJob
	Output  domain.GenerationOutput
	Ordinal int
}

// SubmitBatch は要求枚数が満たされるか試行上限に達するまでサブジョブを重ねます。
// 戻り値は要求枚数に満たないことがあり（PartialSuccess）、それはエラーではありません。
// 失敗するのは最初のサブジョブが利用可能な出力をひとつも生まなかった場合だけです。
func (s *Submitter) SubmitBatch(ctx context.Context, req domain.GenerationRequest, perJobMax int, onUpdate UpdateFunc) ([]JobOutput, error) {
	if perJobMax < 1 {
		perJobMax = 1
	}
	maxAttempts := req.Count * 3
	if maxAttempts < minBatchAttempts {
		maxAttempts = minBatchAttempts
	}

	collected := make([]JobOutput, 0, req.Count)
	remaining := req.Count

	for attempt := 0; attempt < maxAttempts && remaining > 0; attempt++ {
		n := perJobMax
		if n > remaining {
			// 最後のサブジョブで必要以上の枚数を要求してはいけないのだ。
			n = remaining
		}
		var seed *int64
		if req.Seed != nil {
			// シードを保存済み枚数ぶんずらし、バッチ内で同一画像が並ぶのを防ぎます。
			v := *req.Seed + int64(len(collected))
			seed = &v
		}
		sub := req.WithCountAndSeed(n, seed)
		key := IdempotencyKey(s.runScope, sub, uuid.NewString())

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		created, err := s.client.CreateGenerationJob(ctx, sub, key)
		if err != nil {
			return nil, fmt.Errorf("サブジョブの作成に失敗しました: %w", err)
		}
		slog.Info("サブジョブを投入したのだ",
			"job_id", created.JobID, "count", n, "attempt", attempt+1, "model", sub.ModelID)

		job, err := s.poller.Poll(ctx, created.JobID, created.PollURL, s.policy, onUpdate)
		if err != nil {
			return nil, err
		}

		usable := usableOutputs(job.Outputs, remaining)
		if job.Status == domain.StatusFailed || len(usable) == 0 {
			if len(collected) > 0 {
				// 既に成果があるなら失敗扱いにせず、そこで切り上げます。
				slog.Warn("サブジョブが出力を生まなかったため打ち切ります",
					"job_id", job.ID, "saved", len(collected), "reason", job.FailureReason)
				break
			}
			if job.Status == domain.StatusFailed {
				return nil, fmt.Errorf("%w: %s", domain.ErrJobFailed, job.FailureReason)
			}
			return nil, domain.ErrNoOutputs
		}

		for _, o := range usable {
			collected = append(collected, JobOutput{Job: job, Output: o, Ordinal: len(collected)})
		}
		remaining -= len(usable)
	}

	if len(collected) == 0 {
		return nil, domain.ErrNoOutputs
	}
	if remaining > 0 {
		slog.Warn("要求枚数に届かないまま試行上限に達したのだ",
			"requested", req.Count, "collected", len(collected))
	}
	return collected, nil
}

// usableOutputs は取得可能なURLを持つ出力だけを、必要枚数を上限に取り出します。
func usableOutputs(outputs []domain.GenerationOutput, limit int) []domain.GenerationOutput {
	var out []domain.GenerationOutput
	for _, o := range outputs {
		if len(out) >= limit {
			break
		}
		if isFetchableURL(o.URL) {
			out = append(out, o)
		}
	}
	return out
}

// isFetchableURL は相対パスやプレースホルダーではない、実際に取得できる
// URLかどうかを判定するのだ。
func isFetchableURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "inline":
		return u.Host != "" || u.Opaque != "" || u.Path != ""
	default:
		return false
	}
}

// idempotencyBody は冪等性キーへ畳み込むリクエストの安定表現です。
// フィールド順が固定された構造体を JSON 化することで、同一リクエストは
// 常に同一のバイト列になります。
type idempotencyBody struct {
	Model        string   `json:"model"`
	Prompt       string   `json:"prompt"`
	Count        int      `json:"count"`
	AspectRatio  string   `json:"aspect_ratio"`
	Seed         *int64   `json:"seed"`
	InputDigests []string `json:"input_digests"`
}

// IdempotencyKey は (実行スコープ, 正規化リクエスト, 呼び出し毎のトークン) の
// ハッシュを返します。トークンはサブジョブ毎に新しく生成されるため、
// 重複排除が効くのはトランスポート層の再送だけで、ユーザーが意図して
// 同じプロンプトを再実行した場合は別のキーになるのだ。
func IdempotencyKey(runScope string, req domain.GenerationRequest, attemptToken string) string {
	body := idempotencyBody{
		Model:       req.ModelID,
		Prompt:      req.Prompt,
		Count:       req.Count,
		AspectRatio: req.AspectRatio,
		Seed:        req.Seed,
	}
	for _, in := range req.Inputs {
		body.InputDigests = append(body.InputDigests, in.Digest)
	}
	serialized, _ := json.Marshal(body)

	h := sha256.New()
	h.Write([]byte(runScope))
	h.Write([]byte{'\n'})
	h.Write(serialized)
	h.Write([]byte{'\n'})
	h.Write([]byte(attemptToken))
	return hex.EncodeToString(h.Sum(nil))
}
