// Package gemini は Gemini API を直接叩くバックエンドです。ジョブAPIを
// 持たない同期生成を、インメモリのジョブ表と inline:// URLで非同期
// ジョブの窓口に合わせています。
package gemini

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shouni/gemini-image-kit/imgutil"
	"github.com/shouni/go-gemini-client/gemini"
	"google.golang.org/genai"

	"github.com/shouni/go-canvas-kit/pkg/domain"
	"github.com/shouni/go-canvas-kit/pkg/generation"
)

// 参照画像がこのサイズを超える場合はJPEG圧縮してから送ります。
const (
	compressThreshold  = 2 << 20
	compressionQuality = 85
)

// inlineScheme は生成結果を指す擬似URLのスキームです。実体はプロセス内の
// ブロブストアにあります。
const inlineScheme = "inline"

type storedOutput struct {
	data     []byte
	mimeType string
}

// Backend は generation.APIClient の Gemini 直結実装です。
type Backend struct {
	aiClient gemini.GenerativeModel
	model    string

	mu    sync.Mutex
	jobs  map[string]domain.GenerationJob
	blobs map[string]storedOutput
}

// NewBackend は Backend を初期化します。
func NewBackend(aiClient gemini.GenerativeModel, model string) (*Backend, error) {
	if aiClient == nil {
		return nil, fmt.Errorf("aiClient is required")
	}
	if model == "" {
		return nil, domain.ErrNoModel
	}
	return &Backend{
		aiClient: aiClient,
		model:    model,
		jobs:     make(map[string]domain.GenerationJob),
		blobs:    make(map[string]storedOutput),
	}, nil
}

// CreateGenerationJob は生成をその場で実行し、完了済みジョブとして登録します。
// 呼び出し側のポーリングは最初の1回で終端状態を観測します。
func (b *Backend) CreateGenerationJob(ctx context.Context, req domain.GenerationRequest, _ string) (generation.CreateJobResult, error) {
	jobID := uuid.NewString()

	parts := []*genai.Part{{Text: req.Prompt}}
	for _, in := range req.Inputs {
		data := in.Data
		mimeType := in.MimeType
		if len(data) > compressThreshold {
			if compressed, err := imgutil.CompressToJPEG(bytes.NewReader(data), compressionQuality); err == nil {
				data = compressed
				mimeType = "image/jpeg"
			}
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}})
	}

	opts := gemini.GenerateOptions{
		AspectRatio: req.AspectRatio,
		Seed:        seedPtrCopy(req.Seed),
	}

	var outputs []domain.GenerationOutput
	for i := 0; i < req.Count; i++ {
		if err := ctx.Err(); err != nil {
			return generation.CreateJobResult{}, err
		}
		callOpts := opts
		if callOpts.Seed != nil {
			v := *callOpts.Seed + int64(i)
			callOpts.Seed = &v
		}
		resp, err := b.aiClient.GenerateWithParts(ctx, b.model, parts, callOpts)
		if err != nil {
			if len(outputs) > 0 {
				break
			}
			b.storeJob(domain.GenerationJob{
				ID:            jobID,
				Status:        domain.StatusFailed,
				FailureReason: err.Error(),
			})
			return generation.CreateJobResult{JobID: jobID}, nil
		}
		blob := firstInlineBlob(resp)
		if blob == nil {
			continue
		}
		key := fmt.Sprintf("%s/%d", jobID, len(outputs))
		b.mu.Lock()
		b.blobs[key] = storedOutput{data: blob.Data, mimeType: blob.MIMEType}
		b.mu.Unlock()
		outputs = append(outputs, domain.GenerationOutput{
			Index:    len(outputs),
			URL:      inlineScheme + "://" + key,
			MimeType: blob.MIMEType,
			ByteSize: int64(len(blob.Data)),
		})
	}

	job := domain.GenerationJob{ID: jobID, Status: domain.StatusSucceeded, Outputs: outputs}
	if len(outputs) == 0 {
		job.Status = domain.StatusFailed
		job.FailureReason = "モデルが画像を返しませんでした"
	}
	b.storeJob(job)
	return generation.CreateJobResult{JobID: jobID}, nil
}

func (b *Backend) storeJob(job domain.GenerationJob) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[job.ID] = job
}

// PollJob は登録済みジョブを返します。常に終端状態です。
func (b *Backend) PollJob(_ context.Context, jobID, _ string) (domain.GenerationJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[jobID]
	if !ok {
		return domain.GenerationJob{}, fmt.Errorf("gemini: 未知のジョブです: %s", jobID)
	}
	return job, nil
}

// DownloadOutput は inline:// URLをブロブストアから解決します。
func (b *Backend) DownloadOutput(_ context.Context, rawURL string) (generation.DownloadResult, error) {
	key, ok := strings.CutPrefix(rawURL, inlineScheme+"://")
	if !ok {
		return generation.DownloadResult{}, fmt.Errorf("gemini: 解決できない出力URLです: %s", rawURL)
	}
	b.mu.Lock()
	stored, found := b.blobs[key]
	b.mu.Unlock()
	if !found {
		return generation.DownloadResult{}, fmt.Errorf("gemini: 出力が見つかりません: %s", rawURL)
	}
	return generation.DownloadResult{Data: stored.data, ContentType: stored.mimeType}, nil
}

// PrepareUploads は常に nil を返します。参照画像はリクエストにインラインで
// 埋め込むため、事前アップロードは不要です。
func (b *Backend) PrepareUploads(_ context.Context, _ []domain.PreparedInputImage) ([]generation.UploadTarget, error) {
	return nil, nil
}

// UploadPrepared は PrepareUploads が転送先を返さないため呼ばれません。
func (b *Backend) UploadPrepared(_ context.Context, _ generation.UploadTarget, _ []byte) error {
	return fmt.Errorf("gemini: 事前アップロードはサポートしていません")
}

// seedPtrCopy は domain の *int64 を複製して SDK に渡すのだ。
func seedPtrCopy(s *int64) *int64 {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// firstInlineBlob は応答から最初の画像ブロブを取り出します。
func firstInlineBlob(resp *gemini.Response) *genai.Blob {
	if resp == nil || resp.RawResponse == nil {
		return nil
	}
	for _, cand := range resp.RawResponse.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil {
				return part.InlineData
			}
		}
	}
	return nil
}
