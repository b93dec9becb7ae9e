package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/shouni/go-canvas-kit/pkg/asset"
	"github.com/shouni/go-canvas-kit/pkg/domain"
)

// refreshableStatuses は出力URLの期限切れ・一時障害とみなして
// ジョブの再ポーリングで回復を試みるHTTPステータスです。
var refreshableStatuses = map[int]bool{
	410: true,
	429: true,
	502: true,
	503: true,
	504: true,
}

// Retriever は生成ジョブの出力をダウンロードし、保存先へ書き出します。
// URLが失効していた場合は一度だけジョブを再ポーリングして新しいURLで
// やり直します。
type Retriever struct {
	client      APIClient
	writer      OutputWriter
	refreshWait time.Duration
}

// NewRetriever は Retriever を初期化します。refreshWait は再ポーリング時の
// 待機上限です。
func NewRetriever(client APIClient, writer OutputWriter, refreshWait time.Duration) *Retriever {
	return &Retriever{client: client, writer: writer, refreshWait: refreshWait}
}

// Save は1枚の出力をダウンロードして outputDir へ保存し、保存結果を返します。
// ファイル名は gen_<ジョブID先頭8桁>_<連番><拡張子> の形式です。req は
// サイドカーに記録する元リクエストです。
func (r *Retriever) Save(ctx context.Context, req domain.GenerationRequest, job domain.GenerationJob, output domain.GenerationOutput, outputDir string) (domain.SavedOutput, error) {
	result, err := r.client.DownloadOutput(ctx, output.URL)
	if err != nil {
		var dlErr *domain.DownloadError
		if errors.As(err, &dlErr) && refreshableStatuses[dlErr.StatusCode] {
			// URLの失効とみなし、一度だけジョブを引き直して再試行するのだ。
			slog.Info("出力URLが失効していたため再取得します",
				"job_id", job.ID, "index", output.Index, "status", dlErr.StatusCode)
			refreshed, refreshErr := r.refreshOutput(ctx, job, output)
			if refreshErr != nil {
				return domain.SavedOutput{}, refreshErr
			}
			if refreshed.URL == output.URL {
				// 同じURLしか返ってこないなら再試行しても結果は変わらないのだ。
				return domain.SavedOutput{}, fmt.Errorf("出力のダウンロードに失敗しました: %w", err)
			}
			output = refreshed
			result, err = r.client.DownloadOutput(ctx, output.URL)
		}
		if err != nil {
			return domain.SavedOutput{}, fmt.Errorf("出力のダウンロードに失敗しました: %w", err)
		}
	}

	ext := extensionFor(result.ContentType, output.MimeType, output.URL)
	name := asset.GeneratedFileName(shortJobID(job.ID), output.Index+1, ext)
	dest, err := asset.ResolveOutputPath(outputDir, name)
	if err != nil {
		return domain.SavedOutput{}, fmt.Errorf("保存先パスの解決に失敗しました: %w", err)
	}

	contentType := result.ContentType
	if contentType == "" {
		contentType = output.MimeType
	}
	if err := r.writer.Write(ctx, dest, bytes.NewReader(result.Data), contentType); err != nil {
		return domain.SavedOutput{}, fmt.Errorf("出力の保存に失敗しました (%s): %w", dest, err)
	}

	r.writeSidecar(ctx, req, job, output, dest, len(result.Data))

	saved := output
	saved.ByteSize = int64(len(result.Data))
	return domain.SavedOutput{Output: saved, Path: dest}, nil
}

// refreshOutput はジョブを短いポリシーで再ポーリングし、同じ出力の
// 新しいURLを探します。インデックス一致を優先し、見つからなければ
// 同じ位置の出力で代用します。
func (r *Retriever) refreshOutput(ctx context.Context, job domain.GenerationJob, output domain.GenerationOutput) (domain.GenerationOutput, error) {
	policy := PollPolicy{
		Interval: 2 * time.Second,
		MaxWait:  r.refreshWait,
	}
	poller := NewPoller(r.client)
	refreshed, err := poller.Poll(ctx, job.ID, job.PollURL, policy, nil)
	if err != nil {
		return domain.GenerationOutput{}, fmt.Errorf("出力URLの再取得に失敗しました: %w", err)
	}
	if refreshed.Status == domain.StatusFailed {
		return domain.GenerationOutput{}, fmt.Errorf("%w: %s", domain.ErrJobFailed, refreshed.FailureReason)
	}
	for _, o := range refreshed.Outputs {
		if o.Index == output.Index && o.URL != "" {
			return o, nil
		}
	}
	// インデックスが振り直されたAPI実装向けの位置フォールバックなのだ。
	if output.Index >= 0 && output.Index < len(refreshed.Outputs) {
		if o := refreshed.Outputs[output.Index]; o.URL != "" {
			return o, nil
		}
	}
	return domain.GenerationOutput{}, domain.ErrNoOutputs
}

// sidecar は保存画像と並べて書き出すメタデータです。
type sidecar struct {
	Model        string    `json:"model"`
	Prompt       string    `json:"prompt"`
	JobID        string    `json:"job_id"`
	JobStatus    string    `json:"job_status"`
	OutputIndex  int       `json:"output_index"`
	URL          string    `json:"url"`
	MimeType     string    `json:"mime_type,omitempty"`
	ByteSize     int       `json:"byte_size"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	InputDigests []string  `json:"input_digests,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// writeSidecar はメタデータJSONをベストエフォートで書き出します。
// 失敗しても画像の保存自体は成功扱いのままです。
func (r *Retriever) writeSidecar(ctx context.Context, req domain.GenerationRequest, job domain.GenerationJob, output domain.GenerationOutput, imagePath string, byteSize int) {
	var digests []string
	for _, in := range req.Inputs {
		digests = append(digests, in.Digest)
	}
	meta := sidecar{
		Model:        req.ModelID,
		Prompt:       req.Prompt,
		JobID:        job.ID,
		JobStatus:    string(job.Status),
		OutputIndex:  output.Index,
		URL:          output.URL,
		MimeType:     output.MimeType,
		ByteSize:     byteSize,
		Width:        output.Width,
		Height:       output.Height,
		InputDigests: digests,
		SavedAt:      time.Now().UTC(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		slog.Warn("サイドカーのJSON化に失敗したのだ", "path", imagePath, "error", err)
		return
	}
	sidecarPath := strings.TrimSuffix(imagePath, path.Ext(imagePath)) + asset.SidecarExt
	if err := r.writer.Write(ctx, sidecarPath, bytes.NewReader(data), "application/json"); err != nil {
		slog.Warn("サイドカーの書き出しに失敗したのだ", "path", sidecarPath, "error", err)
	}
}

// extensionFor はレスポンスのContent-Type、出力メタデータのMIME、URLの
// 拡張子の順に拡張子を決め、どれも不明なら .png にフォールバックします。
func extensionFor(contentType, mimeType, rawURL string) string {
	if ext := extensionForMIME(contentType); ext != "" {
		return ext
	}
	if ext := extensionForMIME(mimeType); ext != "" {
		return ext
	}
	if u, err := url.Parse(rawURL); err == nil {
		if ext := path.Ext(u.Path); len(ext) > 1 && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	return ".png"
}

func extensionForMIME(value string) string {
	if value == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return ""
	}
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ""
	}
}

// shortJobID はファイル名に使うジョブIDの先頭8文字を返します。
func shortJobID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "job"
	}
	return id
}
