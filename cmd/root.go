package cmd

import (
	"fmt"
	"os"

	"github.com/shouni/go-canvas-kit/internal/config"

	clibase "github.com/shouni/go-cli-base"
	"github.com/spf13/cobra"
)

// opts は、CLIフラグの値を集約する実行時オプションなのだ。
var opts config.GenerateOptions

// addAppFlags は、アプリケーション全般に適用されるグローバルフラグを定義するのだ。
func addAppFlags(rootCmd *cobra.Command) {
	// --- ソース入力関連 ---
	rootCmd.PersistentFlags().StringVarP(&opts.CanvasFile, "canvas", "f", "", "対象のキャンバスファイル（ローカル or gs://...）なのだ。")
	rootCmd.PersistentFlags().StringVarP(&opts.NodeID, "node", "n", "", "起点にするテキストノードのIDなのだ。")

	// --- 生成結果の出力設定 ---
	rootCmd.PersistentFlags().StringVarP(&opts.OutputImageDir, "output-image-dir", "i", config.DefaultLocalImageDir, "生成された画像を保存するディレクトリ（ローカル or gs://...）なのだ。")

	// --- AIモデル・挙動設定 ---
	rootCmd.PersistentFlags().StringVar(&opts.ImageModel, "image-model", config.DefaultImageModel, "使用する画像生成モデル名なのだ。")
	rootCmd.PersistentFlags().StringVar(&opts.Backend, "backend", config.DefaultBackend, "生成バックエンド（gemini or canvasapi）なのだ。")
	rootCmd.PersistentFlags().DurationVar(&opts.HTTPTimeout, "http-timeout", config.DefaultHTTPTimeout, "Webリクエストのタイムアウトなのだ。")

	// --- 画像生成固有設定 ---
	generateCmd.Flags().IntVarP(&opts.Count, "count", "c", config.DefaultImageCount, "生成する画像の枚数（1〜4）なのだ。")
	generateCmd.Flags().StringVarP(&opts.AspectRatio, "aspect", "a", config.DefaultAspectRatio, "アスペクト比（例: 1:1, 16:9）なのだ。")
	generateCmd.Flags().Int64Var(&opts.Seed, "seed", -1, "生成シード（負の値で未指定）なのだ。")
}

// preRunAppE は、コマンド実行前に環境変数などの必須チェックを行うのだ。
func preRunAppE(cmd *cobra.Command, args []string) error {
	// どちらのバックエンドでもAPIキーなしでは動けないのだ！
	if os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("CANVAS_API_KEY") == "" {
		return fmt.Errorf("エラー: 環境変数 GEMINI_API_KEY または CANVAS_API_KEY が設定されていません")
	}

	return nil
}

// Execute は、アプリケーションのメインエントリポイントなのだ。
// main.go から呼び出されて、cobra のコマンドライン解析を開始するのだよ。
func Execute() {
	clibase.Execute(
		"canvas-image-go",
		addAppFlags,
		preRunAppE,
		generateCmd,
	)
}
