package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shouni/go-canvas-kit/internal/builder"
	"github.com/shouni/go-canvas-kit/internal/config"
	"github.com/shouni/go-canvas-kit/pkg/canvas"
	"github.com/shouni/go-canvas-kit/pkg/generation"
	"github.com/shouni/go-canvas-kit/pkg/orchestrator"

	"github.com/shouni/go-http-kit/httpkit"
	"github.com/shouni/go-remote-io/pkg/gcsfactory"
)

// ExecuteGenerate は、キャンバスファイルを読み込み、指定ノードを起点に
// 画像生成を実行して、更新済みキャンバスを書き戻すのだ。
func ExecuteGenerate(ctx context.Context, cfg *config.Config) error {
	appCtx, err := setupAppContext(ctx, cfg)
	if err != nil {
		return err
	}

	// --- Phase 1: キャンバスの読み込み ---
	doc, err := loadCanvas(ctx, appCtx, cfg.Options.CanvasFile)
	if err != nil {
		return err
	}

	anchor := doc.Node(cfg.Options.NodeID)
	if anchor == nil {
		return fmt.Errorf("ノード '%s' がキャンバスに見つかりません", cfg.Options.NodeID)
	}
	if anchor.Kind != canvas.KindText || strings.TrimSpace(anchor.Text) == "" {
		return fmt.Errorf("ノード '%s' はプロンプトを持つテキストノードではありません", cfg.Options.NodeID)
	}

	// --- Phase 2: 参照画像の収集 ---
	inputs, err := collectInputs(ctx, appCtx, doc, anchor.ID)
	if err != nil {
		return err
	}

	// --- Phase 3: 生成の実行 ---
	runScope := cfg.Options.CanvasFile + "#" + anchor.ID
	orch, err := builder.BuildOrchestrator(appCtx, canvas.NewAdapter(doc), runScope)
	if err != nil {
		return fmt.Errorf("オーケストレーターの構築に失敗したのだ: %w", err)
	}

	model := cfg.Options.ImageModel
	if model == "" {
		model = cfg.ImageModel
	}
	result, err := orch.Run(ctx, orchestrator.Params{
		AnchorNodeID: anchor.ID,
		Prompt:       anchor.Text,
		ModelID:      model,
		Count:        cfg.Options.Count,
		AspectRatio:  cfg.Options.AspectRatio,
		Seed:         cfg.Options.SeedPtr(),
		Inputs:       inputs,
		OutputDir:    cfg.Options.OutputImageDir,
	})
	if err != nil {
		// 失敗時もロールバック済みのキャンバスを書き戻して痕跡を残さないのだ。
		if saveErr := saveCanvas(ctx, appCtx, doc, cfg.Options.CanvasFile); saveErr != nil {
			slog.Warn("ロールバック後のキャンバス保存に失敗しました", "error", saveErr)
		}
		return err
	}

	// --- Phase 4: キャンバスの書き戻し ---
	if err := saveCanvas(ctx, appCtx, doc, cfg.Options.CanvasFile); err != nil {
		return err
	}

	slog.Info("キャンバスへの画像生成が完了したのだ！",
		"saved", len(result.Saved), "shortfall", result.Shortfall, "canvas", cfg.Options.CanvasFile)
	return nil
}

// loadCanvas はローカルまたは gs:// のキャンバスファイルを読み込みます。
func loadCanvas(ctx context.Context, appCtx *builder.AppContext, path string) (*canvas.Document, error) {
	rc, err := appCtx.Reader.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("キャンバス '%s' の読み込みに失敗しました: %w", path, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("キャンバス '%s' の読み取りに失敗しました: %w", path, err)
	}
	doc, err := canvas.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("キャンバス '%s' の解析に失敗しました: %w", path, err)
	}
	return doc, nil
}

// saveCanvas は更新済みキャンバスを元の場所へ書き戻します。
func saveCanvas(ctx context.Context, appCtx *builder.AppContext, doc *canvas.Document, path string) error {
	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("キャンバスのJSON化に失敗しました: %w", err)
	}
	if err := appCtx.Writer.Write(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("キャンバス '%s' の保存に失敗しました: %w", path, err)
	}
	return nil
}

// collectInputs はアンカーへエッジで接続されたファイル・リンクノードから
// 参照画像を読み込みます。ファイルノードは Reader 経由、リンクノードは
// HTTP経由で取得するのだ。
func collectInputs(ctx context.Context, appCtx *builder.AppContext, doc *canvas.Document, anchorID string) ([]orchestrator.RawInput, error) {
	var inputs []orchestrator.RawInput
	for _, node := range doc.LinkedFrom(anchorID) {
		var (
			data []byte
			err  error
		)
		switch node.Kind {
		case canvas.KindFile:
			data, err = readAll(ctx, appCtx, node.File)
			if err != nil {
				return nil, fmt.Errorf("参照画像 '%s' の読み込みに失敗しました: %w", node.File, err)
			}
		case canvas.KindLink:
			data, err = appCtx.HTTPClient().FetchBytes(ctx, node.URL)
			if err != nil {
				return nil, fmt.Errorf("参照画像 '%s' の取得に失敗しました: %w", node.URL, err)
			}
		default:
			continue
		}
		inputs = append(inputs, orchestrator.RawInput{
			Data:     data,
			MimeType: http.DetectContentType(data),
		})
	}
	return inputs, nil
}

func readAll(ctx context.Context, appCtx *builder.AppContext, path string) ([]byte, error) {
	rc, err := appCtx.Reader.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// setupAppContext は共通の依存関係を初期化して AppContext を組み立てるのだ。
func setupAppContext(ctx context.Context, cfg *config.Config) (*builder.AppContext, error) {
	httpClient := httpkit.New(cfg.Options.HTTPTimeout)

	backend := cfg.Options.Backend
	if backend == "" {
		backend = cfg.Backend
	}
	model := cfg.Options.ImageModel
	if model == "" {
		model = cfg.ImageModel
	}
	apiClient, err := builder.InitializeAPIClient(ctx, cfg, backend, model)
	if err != nil {
		return nil, fmt.Errorf("failed to create api client: %w", err)
	}

	gcsFactory, err := gcsfactory.NewGCSClientFactory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client factory: %w", err)
	}

	reader, err := gcsFactory.NewInputReader()
	if err != nil {
		return nil, err
	}
	writer, err := gcsFactory.NewOutputWriter()
	if err != nil {
		return nil, err
	}

	var catalog generation.Catalog = generation.DefaultStaticCatalog()
	if cfg.CatalogURL != "" {
		catalog = generation.NewRemoteCatalog(httpClient, cfg.CatalogURL, config.DefaultCatalogTTL)
	}

	appCtx := builder.NewAppContext(cfg, httpClient, apiClient, reader, writer, catalog)
	return &appCtx, nil
}
