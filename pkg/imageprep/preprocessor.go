// Package imageprep は任意の入力画像を、アップロード上限に収まる
// 正規化済みバイト列へ変換します。
package imageprep

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/shouni/go-canvas-kit/pkg/domain"
)

const (
	// DefaultMaxBytes はアップロード可能なエンコード済みサイズの既定上限です。
	DefaultMaxBytes = 10 << 20
	// DefaultMaxDimension は長辺の既定上限ピクセル数なのだ。
	DefaultMaxDimension = 2048

	// alphaSampleStep はアルファ検出時のピクセル間引き幅です。
	// 全画素を見る必要はなく、まばらなサンプリングで十分なのだ。
	alphaSampleStep = 16
)

// candidate は試行する (フォーマット, 品質) の1候補です。
type candidate struct {
	format  string
	quality int
}

// 非可逆を先に、可逆の PNG を最後に試します。アルファ付きは PNG のみ。
var (
	opaqueCandidates = []candidate{
		{"image/jpeg", 85},
		{"image/jpeg", 70},
		{"image/jpeg", 55},
		{"image/png", 0},
	}
	alphaCandidates = []candidate{
		{"image/png", 0},
	}
	scaleFactors = []float64{1.0, 0.85, 0.7, 0.5, 0.35, 0.25}
)

// Preprocessor は入力画像の検証・縮小・再エンコードを行います。
type Preprocessor struct {
	MaxBytes     int64
	MaxDimension int
}

// New は既定の上限を持つ Preprocessor を返します。
func New() *Preprocessor {
	return &Preprocessor{MaxBytes: DefaultMaxBytes, MaxDimension: DefaultMaxDimension}
}

// Prepare は生バイト列と申告MIMEタイプから PreparedInputImage を作ります。
// 対応形式でなければ即座に検証エラーを返すのだ。
func (p *Preprocessor) Prepare(data []byte, mimeType string) (domain.PreparedInputImage, error) {
	if _, ok := domain.SupportedInputMimeTypes[mimeType]; !ok {
		return domain.PreparedInputImage{}, &domain.ValidationError{
			Reason: fmt.Sprintf("対応していない画像形式です: %s", mimeType),
		}
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// デコードできない場合、再圧縮の手段がない。上限内ならそのまま受け付けるのだ。
		if int64(len(data)) <= p.MaxBytes {
			slog.Warn("画像をデコードできないため無変換で受け付けます", "mime", mimeType, "size", len(data))
			return domain.NewPreparedInputImage(data, mimeType), nil
		}
		return domain.PreparedInputImage{}, &domain.ValidationError{
			Reason: fmt.Sprintf("画像が大きすぎ、圧縮もできません（%dバイト、上限%dバイト）", len(data), p.MaxBytes),
		}
	}

	base := p.scaleToFit(src, p.MaxDimension)
	hasAlpha := sampleHasAlpha(base)
	candidates := opaqueCandidates
	if hasAlpha {
		candidates = alphaCandidates
	}

	for _, factor := range scaleFactors {
		scaled := base
		if factor < 1.0 {
			b := base.Bounds()
			w := int(float64(b.Dx()) * factor)
			h := int(float64(b.Dy()) * factor)
			if w < 1 || h < 1 {
				break
			}
			scaled = resize(base, w, h)
		}
		for _, c := range candidates {
			encoded, err := encode(scaled, c)
			if err != nil {
				continue
			}
			if int64(len(encoded)) <= p.MaxBytes {
				slog.Debug("入力画像を正規化しました",
					"format", c.format, "quality", c.quality, "scale", factor,
					"bytes", len(encoded), "alpha", hasAlpha)
				return domain.NewPreparedInputImage(encoded, c.format), nil
			}
		}
	}

	return domain.PreparedInputImage{}, &domain.ValidationError{
		Reason: fmt.Sprintf("どの縮小・再エンコードの組み合わせでも上限%dバイトに収まりません", p.MaxBytes),
	}
}

// scaleToFit は長辺が maxDim を超える場合のみ縦横比を保って縮小します。
func (p *Preprocessor) scaleToFit(src image.Image, maxDim int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return src
	}
	if w > h {
		h = h * maxDim / w
		w = maxDim
	} else {
		w = w * maxDim / h
		h = maxDim
	}
	return resize(src, w, h)
}

func resize(src image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

// sampleHasAlpha はまばらなピクセルサンプリングで意味のある透過の有無を調べます。
func sampleHasAlpha(img image.Image) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y += alphaSampleStep {
		for x := b.Min.X; x < b.Max.X; x += alphaSampleStep {
			_, _, _, a := img.At(x, y).RGBA()
			if a < 0xffff {
				return true
			}
		}
	}
	return false
}

func encode(img image.Image, c candidate) ([]byte, error) {
	buf := new(bytes.Buffer)
	switch c.format {
	case "image/jpeg":
		if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
			return nil, err
		}
	case "image/png":
		if err := png.Encode(buf, img); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("未対応の出力フォーマット: %s", c.format)
	}
	return buf.Bytes(), nil
}
