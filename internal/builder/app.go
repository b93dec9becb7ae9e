package builder

import (
	"github.com/shouni/go-canvas-kit/internal/config"

	"github.com/shouni/go-canvas-kit/pkg/generation"

	"github.com/shouni/go-http-kit/httpkit"
	"github.com/shouni/go-remote-io/pkg/remoteio"
)

// AppContext は、アプリケーション実行に必要な共通コンテキストを保持する
// これを各Build関数に渡すことで、依存関係の注入を簡素化します。
type AppContext struct {
	Config     *config.Config          // Configは、環境変数から読み込まれたグローバルな設定です（APIキー、エンドポイントなど）。
	Options    config.GenerateOptions  // Optionsは、コマンドラインから渡された実行時の設定です（キャンバス、モデル名など）。
	Reader     remoteio.InputReader    // Readerは、キャンバスや参照画像の読み込みに使用する入力元です。
	Writer     remoteio.OutputWriter   // Writerは、生成画像とキャンバスを保存するための出力先です。
	Catalog    generation.Catalog      // Catalogは、モデルの能力情報（1ジョブあたりの最大枚数）の参照先です。
	apiClient  generation.APIClient    // apiClient は生成プロバイダとの通信に使う共通クライアント
	httpClient httpkit.ClientInterface // httpClient は外部APIとの通信に使う共通クライアント
}

// NewAppContext は AppContext の新しいインスタンスを生成する
func NewAppContext(
	cfg *config.Config,
	httpClient httpkit.ClientInterface,
	apiClient generation.APIClient,
	reader remoteio.InputReader,
	writer remoteio.OutputWriter,
	catalog generation.Catalog,
) AppContext {
	return AppContext{
		Config:     cfg,
		Options:    cfg.Options,
		apiClient:  apiClient,
		httpClient: httpClient,
		Reader:     reader,
		Writer:     writer,
		Catalog:    catalog,
	}
}

// HTTPClient は共通HTTPクライアントを返す
func (a *AppContext) HTTPClient() httpkit.ClientInterface {
	return a.httpClient
}
