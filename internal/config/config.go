package config

import (
	"time"

	"github.com/shouni/go-utils/envutil"
)

// デフォルト値の定義なのだ
const (
	DefaultImageModel      = "gemini-3-pro-image-preview"
	DefaultBackend         = "gemini"
	DefaultHTTPTimeout     = 60 * time.Second
	DefaultImageCount      = 1
	DefaultAspectRatio     = "1:1"
	DefaultLocalImageDir   = "output/images" // 生成画像のデフォルト保存先なのだ
	DefaultTickInterval    = 500 * time.Millisecond
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollInterval = 10 * time.Second
	DefaultRefreshWait     = 15 * time.Second
	DefaultSubmitInterval  = time.Second // サブジョブ投入の最小間隔
	DefaultMaxInputBytes   = 10 << 20
	DefaultMaxDimension    = 2048
	DefaultFrameWidth      = 420
	DefaultCatalogTTL      = 10 * time.Minute
)

// Config はアプリケーション全体の環境設定（APIキーやエンドポイント）を保持する構造体なのだ。
type Config struct {
	GeminiAPIKey  string
	CanvasAPIKey  string
	CanvasBaseURL string
	CatalogURL    string
	ImageModel    string
	Backend       string

	Options GenerateOptions
}

// LoadConfig は環境変数から設定を読み込み、構造体を返すのだ！
func LoadConfig() *Config {
	cfg := &Config{
		GeminiAPIKey:  envutil.GetEnv("GEMINI_API_KEY", ""),
		CanvasAPIKey:  envutil.GetEnv("CANVAS_API_KEY", ""),
		CanvasBaseURL: envutil.GetEnv("CANVAS_API_BASE_URL", ""),
		CatalogURL:    envutil.GetEnv("MODEL_CATALOG_URL", ""),
		ImageModel:    envutil.GetEnv("IMAGE_GEMINI_MODEL", DefaultImageModel),
		Backend:       envutil.GetEnv("IMAGE_BACKEND", DefaultBackend),
	}
	return cfg
}

// APIKeyFor は選択中のバックエンドに対応するAPIキーを返すのだ。
func (c *Config) APIKeyFor(backend string) string {
	if backend == "canvasapi" {
		return c.CanvasAPIKey
	}
	return c.GeminiAPIKey
}

// GenerateOptions は CLI フラグから渡される実行時のパラメータなのだ。
type GenerateOptions struct {
	// ソース入力関連
	CanvasFile string // --canvas: 対象のキャンバスファイル（ローカル or gs://...）
	NodeID     string // --node: 起点にするテキストノードのID

	// 画像生成関連
	OutputImageDir string // --output-image-dir
	ImageModel     string // --image-model
	Count          int    // --count: 生成枚数（1〜4）
	AspectRatio    string // --aspect
	Seed           int64  // --seed: 負の値は未指定扱い
	Backend        string // --backend: gemini or canvasapi

	// 実行制御
	HTTPTimeout time.Duration // --http-timeout
}

// SeedPtr は --seed の値を *int64 に変換するのだ。負の値は未指定なのだ。
func (o GenerateOptions) SeedPtr() *int64 {
	if o.Seed < 0 {
		return nil
	}
	v := o.Seed
	return &v
}
