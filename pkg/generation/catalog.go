package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Catalog は生成モデルの能力情報を提供します。分割バッチの判断に
// 使うのは1ジョブあたりの最大出力枚数だけです。
type Catalog interface {
	// MaxImagesPerJob は指定モデルが1ジョブで返せる最大枚数を返します。
	// 未知のモデルは保守的に 1 を返すのだ。
	MaxImagesPerJob(ctx context.Context, modelID string) int
	// Known はモデルがカタログに載っているかどうかを返します。
	Known(ctx context.Context, modelID string) bool
}

// StaticCatalog は組み込みのモデル能力表です。リモートカタログが
// 使えない環境でのフォールバックにもなります。
type StaticCatalog struct {
	limits map[string]int
}

// DefaultStaticCatalog は既知モデルの組み込み定義を返します。
func DefaultStaticCatalog() *StaticCatalog {
	return &StaticCatalog{limits: map[string]int{
		"gemini-3-pro-image-preview":     1,
		"gemini-2.5-flash-image":         4,
		"gemini-2.5-flash-image-preview": 4,
		"imagen-4.0-generate-001":        4,
	}}
}

func (c *StaticCatalog) MaxImagesPerJob(_ context.Context, modelID string) int {
	if limit, ok := c.limits[modelID]; ok && limit > 0 {
		return limit
	}
	return 1
}

func (c *StaticCatalog) Known(_ context.Context, modelID string) bool {
	_, ok := c.limits[modelID]
	return ok
}

// catalogFetcher はカタログJSONの取得だけを切り出した依存です。
type catalogFetcher interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// remoteModelEntry はリモートカタログJSONの1モデル分のエントリです。
type remoteModelEntry struct {
	ID              string `json:"id"`
	MaxImagesPerJob int    `json:"max_images_per_job"`
}

type remoteCatalogDoc struct {
	Models []remoteModelEntry `json:"models"`
}

const catalogCacheKey = "model-catalog"

// RemoteCatalog はHTTP経由で配布されるモデルカタログです。取得結果を
// TTL付きでキャッシュし、取得できない間は組み込みカタログへ
// フォールバックします。
type RemoteCatalog struct {
	fetcher  catalogFetcher
	url      string
	cache    *gocache.Cache
	fallback *StaticCatalog
}

// NewRemoteCatalog は RemoteCatalog を初期化します。ttl はカタログの
// キャッシュ有効期限です。
func NewRemoteCatalog(fetcher catalogFetcher, url string, ttl time.Duration) *RemoteCatalog {
	return &RemoteCatalog{
		fetcher:  fetcher,
		url:      url,
		cache:    gocache.New(ttl, 2*ttl),
		fallback: DefaultStaticCatalog(),
	}
}

func (c *RemoteCatalog) MaxImagesPerJob(ctx context.Context, modelID string) int {
	limits, err := c.load(ctx)
	if err != nil {
		slog.Warn("モデルカタログの取得に失敗したため組み込み定義を使うのだ", "error", err)
		return c.fallback.MaxImagesPerJob(ctx, modelID)
	}
	if limit, ok := limits[modelID]; ok && limit > 0 {
		return limit
	}
	return c.fallback.MaxImagesPerJob(ctx, modelID)
}

func (c *RemoteCatalog) Known(ctx context.Context, modelID string) bool {
	limits, err := c.load(ctx)
	if err != nil {
		return c.fallback.Known(ctx, modelID)
	}
	if _, ok := limits[modelID]; ok {
		return true
	}
	return c.fallback.Known(ctx, modelID)
}

// load はキャッシュ済みのカタログを返し、期限切れなら取り直します。
func (c *RemoteCatalog) load(ctx context.Context) (map[string]int, error) {
	if cached, found := c.cache.Get(catalogCacheKey); found {
		return cached.(map[string]int), nil
	}
	data, err := c.fetcher.FetchBytes(ctx, c.url)
	if err != nil {
		return nil, fmt.Errorf("カタログの取得に失敗しました: %w", err)
	}
	var doc remoteCatalogDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("カタログJSONの解析に失敗しました: %w", err)
	}
	limits := make(map[string]int, len(doc.Models))
	for _, m := range doc.Models {
		if m.ID != "" {
			limits[m.ID] = m.MaxImagesPerJob
		}
	}
	c.cache.Set(catalogCacheKey, limits, gocache.DefaultExpiration)
	return limits, nil
}
