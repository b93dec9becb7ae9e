// Package canvasapi は非同期ジョブ方式の画像生成APIに対するHTTP
// クライアント実装です。
package canvasapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shouni/netarmor/securenet"

	"github.com/shouni/go-canvas-kit/pkg/domain"
	"github.com/shouni/go-canvas-kit/pkg/generation"
)

const defaultTimeout = 60 * time.Second

// maxDownloadBytes はダウンロードの上限サイズです。暴走したレスポンスで
// メモリを食い潰さないための保険です。
const maxDownloadBytes = 64 << 20

// Options はクライアントの設定です。
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	// AllowPrivateHosts を立てるとプライベートネットワーク宛のURLも
	// 許可します。ローカルのモックサーバーに向けるテスト用です。
	AllowPrivateHosts bool
}

// Client は generation.APIClient の実装です。
type Client struct {
	httpClient        *http.Client
	baseURL           string
	apiKey            string
	allowPrivateHosts bool
}

// New はクライアントを初期化します。APIキーが空の場合でも作成は成功し、
// 実際の呼び出し時に domain.ErrNoAPIKey を返します。
func New(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient:        client,
		baseURL:           base,
		apiKey:            strings.TrimSpace(opts.APIKey),
		allowPrivateHosts: opts.AllowPrivateHosts,
	}
}

type createJobRequest struct {
	Model       string       `json:"model"`
	Prompt      string       `json:"prompt"`
	Count       int          `json:"count"`
	AspectRatio string       `json:"aspect_ratio,omitempty"`
	Seed        *int64       `json:"seed,omitempty"`
	Inputs      []inputImage `json:"inputs,omitempty"`
}

type inputImage struct {
	Digest   string `json:"digest"`
	MimeType string `json:"mime_type"`
	ByteSize int64  `json:"byte_size"`
}

type createJobResponse struct {
	JobID   string `json:"job_id"`
	PollURL string `json:"poll_url"`
}

type jobResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Phase   string `json:"phase"`
	Error   string `json:"error"`
	PollURL string `json:"poll_url"`
	Outputs []struct {
		Index    int    `json:"index"`
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
		ByteSize int64  `json:"byte_size"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
	} `json:"outputs"`
}

type uploadsRequest struct {
	Images []inputImage `json:"images"`
}

type uploadsResponse struct {
	Targets []struct {
		URL       string            `json:"url"`
		Method    string            `json:"method"`
		Headers   map[string]string `json:"headers"`
		Reference string            `json:"reference"`
		Digest    string            `json:"digest"`
		ByteSize  int64             `json:"byte_size"`
		MimeType  string            `json:"mime_type"`
	} `json:"targets"`
}

// errorEnvelope はAPIのエラー応答の共通形式です。
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateGenerationJob は POST /v1/images/jobs でジョブを作成します。
func (c *Client) CreateGenerationJob(ctx context.Context, req domain.GenerationRequest, idempotencyKey string) (generation.CreateJobResult, error) {
	if c.apiKey == "" {
		return generation.CreateJobResult{}, domain.ErrNoAPIKey
	}
	payload := createJobRequest{
		Model:       req.ModelID,
		Prompt:      req.Prompt,
		Count:       req.Count,
		AspectRatio: req.AspectRatio,
		Seed:        req.Seed,
	}
	for _, in := range req.Inputs {
		payload.Inputs = append(payload.Inputs, inputImage{
			Digest:   in.Digest,
			MimeType: in.MimeType,
			ByteSize: in.ByteSize,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return generation.CreateJobResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/images/jobs", bytes.NewReader(body))
	if err != nil {
		return generation.CreateJobResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	var out createJobResponse
	if err := c.doJSON(httpReq, &out); err != nil {
		return generation.CreateJobResult{}, fmt.Errorf("ジョブ作成APIの呼び出しに失敗しました: %w", err)
	}
	if out.JobID == "" {
		return generation.CreateJobResult{}, errors.New("canvasapi: 応答にジョブIDが含まれていません")
	}
	return generation.CreateJobResult{JobID: out.JobID, PollURL: out.PollURL}, nil
}

// PollJob はジョブの現在状態を取得します。pollURLHint があればそれを、
// なければ GET /v1/images/jobs/{id} を使います。
func (c *Client) PollJob(ctx context.Context, jobID, pollURLHint string) (domain.GenerationJob, error) {
	if c.apiKey == "" {
		return domain.GenerationJob{}, domain.ErrNoAPIKey
	}
	endpoint := pollURLHint
	if endpoint == "" {
		endpoint = fmt.Sprintf("%s/v1/images/jobs/%s", c.baseURL, url.PathEscape(jobID))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.GenerationJob{}, err
	}
	if c.sameOrigin(endpoint) {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	var out jobResponse
	if err := c.doJSON(httpReq, &out); err != nil {
		return domain.GenerationJob{}, fmt.Errorf("ジョブ状態の取得に失敗しました: %w", err)
	}
	return c.toDomainJob(jobID, out), nil
}

func (c *Client) toDomainJob(jobID string, out jobResponse) domain.GenerationJob {
	id := out.JobID
	if id == "" {
		id = jobID
	}
	job := domain.GenerationJob{
		ID:            id,
		Status:        normalizeStatus(out.Status, out.Phase),
		PollURL:       out.PollURL,
		FailureReason: out.Error,
	}
	for _, o := range out.Outputs {
		job.Outputs = append(job.Outputs, domain.GenerationOutput{
			Index:    o.Index,
			URL:      o.URL,
			MimeType: o.MimeType,
			ByteSize: o.ByteSize,
			Width:    o.Width,
			Height:   o.Height,
		})
	}
	return job
}

// normalizeStatus はAPIごとに揺れる状態表現を domain.JobStatus に寄せます。
func normalizeStatus(status, phase string) domain.JobStatus {
	s := strings.ToLower(strings.TrimSpace(status))
	if s == "" {
		s = strings.ToLower(strings.TrimSpace(phase))
	}
	switch {
	case s == "succeeded", s == "success", s == "completed", s == "done":
		return domain.StatusSucceeded
	case s == "failed", s == "error", s == "cancelled", s == "canceled":
		return domain.StatusFailed
	case s == "queued", s == "pending", strings.HasPrefix(s, "queue"):
		return domain.StatusQueued
	default:
		return domain.StatusProcessing
	}
}

// DownloadOutput は出力URLからバイト列を取得します。APIと同一オリジンの
// URLにだけ認証ヘッダを付け、別オリジン（署名付きURLなど）には一切の
// 認証情報を送りません。
func (c *Client) DownloadOutput(ctx context.Context, rawURL string) (generation.DownloadResult, error) {
	if !c.allowPrivateHosts {
		if safe, err := securenet.IsSafeURL(rawURL); err != nil || !safe {
			return generation.DownloadResult{}, fmt.Errorf("canvasapi: 安全でない出力URLです (%s): %w", rawURL, err)
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return generation.DownloadResult{}, err
	}
	if c.sameOrigin(rawURL) {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return generation.DownloadResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return generation.DownloadResult{}, &domain.DownloadError{StatusCode: resp.StatusCode, URL: rawURL}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return generation.DownloadResult{}, fmt.Errorf("出力の読み取りに失敗しました: %w", err)
	}
	return generation.DownloadResult{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

// PrepareUploads は POST /v1/uploads で参照画像の転送先を確保します。
func (c *Client) PrepareUploads(ctx context.Context, images []domain.PreparedInputImage) ([]generation.UploadTarget, error) {
	if c.apiKey == "" {
		return nil, domain.ErrNoAPIKey
	}
	if len(images) == 0 {
		return nil, nil
	}
	payload := uploadsRequest{}
	for _, img := range images {
		payload.Images = append(payload.Images, inputImage{
			Digest:   img.Digest,
			MimeType: img.MimeType,
			ByteSize: img.ByteSize,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/uploads", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	var out uploadsResponse
	if err := c.doJSON(httpReq, &out); err != nil {
		return nil, fmt.Errorf("アップロード先の確保に失敗しました: %w", err)
	}
	targets := make([]generation.UploadTarget, 0, len(out.Targets))
	for _, t := range out.Targets {
		targets = append(targets, generation.UploadTarget{
			URL:       t.URL,
			Method:    t.Method,
			Headers:   t.Headers,
			Reference: t.Reference,
			Digest:    t.Digest,
			ByteSize:  t.ByteSize,
			MimeType:  t.MimeType,
		})
	}
	return targets, nil
}

// UploadPrepared は確保済みの転送先へ画像バイト列を送ります。転送先は
// 通常は署名付きURLで、指定されたヘッダ以外は付けません。
func (c *Client) UploadPrepared(ctx context.Context, target generation.UploadTarget, data []byte) error {
	method := target.Method
	if method == "" {
		method = http.MethodPut
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	for k, v := range target.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("Content-Type") == "" && target.MimeType != "" {
		httpReq.Header.Set("Content-Type", target.MimeType)
	}
	if c.sameOrigin(target.URL) {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("canvasapi: アップロード失敗 (status %d)", resp.StatusCode)
	}
	return nil
}

// doJSON はリクエストを実行してJSON応答をデコードします。エラー応答は
// 共通エンベロープを解釈してメッセージに含めます。
func (c *Client) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope errorEnvelope
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
			return fmt.Errorf("canvasapi: %s (%s, http %d)", envelope.Error.Message, envelope.Error.Code, resp.StatusCode)
		}
		return fmt.Errorf("canvasapi: http %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("応答JSONの解析に失敗しました: %w", err)
	}
	return nil
}

// sameOrigin は target がAPIのベースURLと同一オリジンかどうかを返します。
func (c *Client) sameOrigin(target string) bool {
	base, err := url.Parse(c.baseURL)
	if err != nil || base.Host == "" {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return u.Scheme == base.Scheme && u.Host == base.Host
}
