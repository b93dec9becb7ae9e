package cmd

import (
	"fmt"
	"log/slog"

	"github.com/shouni/go-canvas-kit/internal/config"
	"github.com/shouni/go-canvas-kit/internal/pipeline"

	"github.com/spf13/cobra"
)

// generateCmd は、キャンバス上のテキストノードから画像を生成するのだ。
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "キャンバスのテキストノードから画像を生成しますなのだ。",
	Long: `キャンバスファイルを読み込み、指定したテキストノードをプロンプトとして画像を生成するのだ。
生成された画像はファイルノードとしてキャンバスへ配置され、元ノードとエッジで接続されるのだよ。`,
	RunE: generateCommand,
}

func init() {
}

func generateCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// 1. 必須チェック
	if opts.CanvasFile == "" {
		return fmt.Errorf("対象のキャンバス（--canvas）を指定してほしいのだ")
	}
	if opts.NodeID == "" {
		return fmt.Errorf("起点のノード（--node）を指定してほしいのだ")
	}

	// 2. 環境変数等から基本設定をロードするのだ
	cfg := config.LoadConfig()
	cfg.ImageModel = opts.ImageModel
	cfg.Options = opts

	slog.Info("画像生成パイプラインを起動するのだ！",
		"canvas", opts.CanvasFile,
		"node", opts.NodeID,
		"image_model", cfg.ImageModel,
		"count", opts.Count,
		"backend", opts.Backend)

	// 3. 更新した config を考慮しつつパイプラインを実行するのだ
	err := pipeline.ExecuteGenerate(ctx, cfg)
	if err != nil {
		return fmt.Errorf("パイプライン実行中にエラーが発生したのだ: %w", err)
	}

	slog.Info("すべての生成工程が完了したのだ！")
	return nil
}
