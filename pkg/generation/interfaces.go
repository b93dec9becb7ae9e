// Package generation は生成ジョブの投入・追跡・出力回収を担います。
package generation

import (
	"context"
	"io"

	"github.com/shouni/go-canvas-kit/pkg/domain"
)

// CreateJobResult はジョブ作成APIの応答です。PollURL は省略されることがあります。
type CreateJobResult struct {
	JobID   string
	PollURL string
}

// DownloadResult はダウンロード済み出力のバイト列と申告コンテンツタイプです。
type DownloadResult struct {
	Data        []byte
	ContentType string
}

// UploadTarget は事前アップロードが必要なバックエンドが返す転送先です。
// Digest / ByteSize / MimeType はローカルの PreparedInputImage と照合されます。
type UploadTarget struct {
	URL       string
	Method    string
	Headers   map[string]string
	Reference string
	Digest    string
	ByteSize  int64
	MimeType  string
}

// APIClient は生成プロバイダとの通信窓口です。トランスポートの詳細は
// 実装側（pkg/provider）の責務で、ここではループも再試行も行いません。
type APIClient interface {
	// CreateGenerationJob はジョブを1件作成します。idempotencyKey により
	// トランスポート層の再送をプロバイダ側で重複排除できるのだ。
	CreateGenerationJob(ctx context.Context, req domain.GenerationRequest, idempotencyKey string) (CreateJobResult, error)
	// PollJob はジョブの現在状態を1回だけ取得します。
	PollJob(ctx context.Context, jobID, pollURLHint string) (domain.GenerationJob, error)
	// DownloadOutput は出力URLからバイト列を取得します。APIと異なる
	// オリジンのURLへは認証ヘッダを付けてはいけません。
	DownloadOutput(ctx context.Context, url string) (DownloadResult, error)
	// PrepareUploads は事前アップロード先を確保します。インライン転送で
	// 足りるバックエンドは (nil, nil) を返して構いません。
	PrepareUploads(ctx context.Context, images []domain.PreparedInputImage) ([]UploadTarget, error)
	// UploadPrepared は確保済みの転送先へバイト列を送ります。
	UploadPrepared(ctx context.Context, target UploadTarget, data []byte) error
}

// UpdateFunc はポーリング中の途中経過を呼び出し側へ伝えるコールバックです。
type UpdateFunc func(job domain.GenerationJob)

// OutputWriter は出力とサイドカーの書き込み先です。
// go-remote-io の OutputWriter がこれを満たします。
type OutputWriter interface {
	Write(ctx context.Context, path string, reader io.Reader, contentType string) error
}
