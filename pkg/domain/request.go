package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// MinImageCount / MaxImageCount は1回の実行で要求できる出力枚数の範囲です。
	MinImageCount = 1
	MaxImageCount = 4

	// MaxInputImages は1回の実行に添付できる入力画像の上限なのだ。
	MaxInputImages = 4
)

// SupportedInputMimeTypes は入力画像として受け付けるラスタ形式の固定セットです。
var SupportedInputMimeTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/webp": {},
	"image/gif":  {},
}

// PreparedInputImage はアップロード可能な形に正規化済みの入力画像を保持します。
// ByteSize は常に len(Data) と一致し、Digest は Data の SHA-256 と一致します。
type PreparedInputImage struct {
	Data     []byte
	MimeType string
	ByteSize int64
	Digest   string
}

// NewPreparedInputImage はバイト列からダイジェスト付きの正規化済み画像を作るのだ。
func NewPreparedInputImage(data []byte, mimeType string) PreparedInputImage {
	sum := sha256.Sum256(data)
	return PreparedInputImage{
		Data:     data,
		MimeType: mimeType,
		ByteSize: int64(len(data)),
		Digest:   hex.EncodeToString(sum[:]),
	}
}

// GenerationRequest は1回の生成実行の入力一式です。構築後は変更しません。
type GenerationRequest struct {
	ModelID     string
	Prompt      string
	Count       int
	AspectRatio string
	Seed        *int64
	Inputs      []PreparedInputImage
}

// NewGenerationRequest は必須項目を検証しつつリクエストを構築します。
// 出力枚数は 1〜4 の範囲にクランプされるのだ。
func NewGenerationRequest(modelID, prompt string, count int, aspectRatio string, seed *int64, inputs []PreparedInputImage) (GenerationRequest, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return GenerationRequest{}, ErrNoModel
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return GenerationRequest{}, &ValidationError{Reason: "プロンプトが空です"}
	}
	if count < MinImageCount {
		count = MinImageCount
	}
	if count > MaxImageCount {
		count = MaxImageCount
	}
	if len(inputs) > MaxInputImages {
		return GenerationRequest{}, &ValidationError{
			Reason: fmt.Sprintf("入力画像が多すぎます（%d枚、上限%d枚）", len(inputs), MaxInputImages),
		}
	}
	if seed != nil && *seed < 0 {
		return GenerationRequest{}, &ValidationError{Reason: "シード値は非負整数である必要があります"}
	}
	return GenerationRequest{
		ModelID:     modelID,
		Prompt:      prompt,
		Count:       count,
		AspectRatio: strings.TrimSpace(aspectRatio),
		Seed:        seed,
		Inputs:      inputs,
	}, nil
}

// WithCountAndSeed はサブジョブ用に枚数とシードだけを差し替えた複製を返します。
// 元のリクエストは不変のまま維持されるのだ。
func (r GenerationRequest) WithCountAndSeed(count int, seed *int64) GenerationRequest {
	sub := r
	sub.Count = count
	sub.Seed = seed
	return sub
}
