package builder

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/shouni/go-canvas-kit/internal/config"
	"github.com/shouni/go-canvas-kit/pkg/generation"
	"github.com/shouni/go-canvas-kit/pkg/imageprep"
	"github.com/shouni/go-canvas-kit/pkg/orchestrator"
	"github.com/shouni/go-canvas-kit/pkg/provider/canvasapi"
	geminiprovider "github.com/shouni/go-canvas-kit/pkg/provider/gemini"

	gemini "github.com/shouni/go-gemini-client/gemini"
	"google.golang.org/genai"
)

// InitializeAPIClient は選択されたバックエンドの生成クライアントを初期化します。
func InitializeAPIClient(ctx context.Context, cfg *config.Config, backend, model string) (generation.APIClient, error) {
	apiKey := cfg.APIKeyFor(backend)
	switch backend {
	case "canvasapi":
		if apiKey == "" {
			return nil, fmt.Errorf("環境変数 CANVAS_API_KEY が設定されていません")
		}
		if cfg.CanvasBaseURL == "" {
			return nil, fmt.Errorf("環境変数 CANVAS_API_BASE_URL が設定されていません")
		}
		return canvasapi.New(canvasapi.Options{
			BaseURL: cfg.CanvasBaseURL,
			APIKey:  apiKey,
			Timeout: cfg.Options.HTTPTimeout,
		}), nil
	case "gemini":
		aiClient, err := InitializeAIClient(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		return geminiprovider.NewBackend(aiClient, model)
	default:
		return nil, fmt.Errorf("未知のバックエンドです: %s", backend)
	}
}

// InitializeAIClient は gemini クライアントを初期化します。
func InitializeAIClient(ctx context.Context, apiKey string) (gemini.GenerativeModel, error) {
	const defaultGeminiTemperature = float32(0.2)
	clientConfig := gemini.Config{
		APIKey:      apiKey,
		Temperature: genai.Ptr(defaultGeminiTemperature),
	}
	aiClient, err := gemini.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("AIクライアントの初期化に失敗しました: %w", err)
	}
	return aiClient, nil
}

// BuildOrchestrator は生成パイプラインの進行役を構築します。doc は
// 対象キャンバスのアダプターです。
func BuildOrchestrator(appCtx *AppContext, doc orchestrator.DocumentPort, runScope string) (*orchestrator.Orchestrator, error) {
	if appCtx.apiClient == nil {
		return nil, fmt.Errorf("生成クライアントが初期化されていません")
	}

	poller := generation.NewPoller(appCtx.apiClient)
	// 本番ポーリングに待機上限は設けません。生成は正当に数分かかることが
	// あり、時間で打ち切るのはURL再取得の短いポーリングだけです。
	policy := generation.PollPolicy{
		Interval:    config.DefaultPollInterval,
		MaxInterval: config.DefaultMaxPollInterval,
	}
	limiter := rate.NewLimiter(rate.Every(config.DefaultSubmitInterval), 2)
	submitter := generation.NewSubmitter(appCtx.apiClient, poller, policy, limiter, runScope)
	retriever := generation.NewRetriever(appCtx.apiClient, appCtx.Writer, config.DefaultRefreshWait)

	preprocessor := imageprep.New()

	return orchestrator.New(
		appCtx.apiClient,
		appCtx.Catalog,
		submitter,
		retriever,
		preprocessor,
		doc,
		config.DefaultFrameWidth,
		config.DefaultTickInterval,
	), nil
}
