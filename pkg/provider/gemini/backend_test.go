package gemini

import (
	"context"
	"fmt"
	"testing"

	"github.com/shouni/go-gemini-client/gemini"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/shouni/go-canvas-kit/pkg/domain"
)

// mockAIClient は gemini.GenerativeModel のテスト用モックなのだ。
type mockAIClient struct {
	// 他のメソッドを埋め込みで解決するために interface を持たせるのだ
	gemini.GenerativeModel
	generateFunc func(model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error)
	calls        int
}

func (m *mockAIClient) GenerateWithParts(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
	m.calls++
	if m.generateFunc != nil {
		return m.generateFunc(model, parts, opts)
	}
	return nil, nil
}

func inlineResponse(data []byte, mimeType string) *gemini.Response {
	return &gemini.Response{
		RawResponse: &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{
					Parts: []*genai.Part{{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}}},
				},
			}},
		},
	}
}

func testBackendRequest(t *testing.T, count int, seed *int64) domain.GenerationRequest {
	t.Helper()
	req, err := domain.NewGenerationRequest("gemini-2.5-flash-image", "ずんだもんの油絵", count, "1:1", seed, nil)
	require.NoError(t, err)
	return req
}

func TestNewBackend(t *testing.T) {
	t.Run("クライアントなしではエラーになるのだ", func(t *testing.T) {
		_, err := NewBackend(nil, "gemini-2.5-flash-image")
		assert.Error(t, err)
	})

	t.Run("モデル名なしでは ErrNoModel を返すのだ", func(t *testing.T) {
		_, err := NewBackend(&mockAIClient{}, "")
		assert.ErrorIs(t, err, domain.ErrNoModel)
	})
}

func TestBackendGenerateAndDownload(t *testing.T) {
	ctx := context.Background()

	t.Run("生成からダウンロードまで一気通貫なのだ", func(t *testing.T) {
		mock := &mockAIClient{
			generateFunc: func(model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
				assert.Equal(t, "gemini-2.5-flash-image", model)
				require.NotEmpty(t, parts)
				assert.Equal(t, "ずんだもんの油絵", parts[0].Text)
				return inlineResponse([]byte("fake-png"), "image/png"), nil
			},
		}
		backend, err := NewBackend(mock, "gemini-2.5-flash-image")
		require.NoError(t, err)

		created, err := backend.CreateGenerationJob(ctx, testBackendRequest(t, 2, nil), "key")
		require.NoError(t, err)
		require.NotEmpty(t, created.JobID)
		assert.Equal(t, 2, mock.calls)

		job, err := backend.PollJob(ctx, created.JobID, created.PollURL)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSucceeded, job.Status)
		require.Len(t, job.Outputs, 2)
		assert.Equal(t, 0, job.Outputs[0].Index)
		assert.Contains(t, job.Outputs[0].URL, "inline://")

		result, err := backend.DownloadOutput(ctx, job.Outputs[0].URL)
		require.NoError(t, err)
		assert.Equal(t, []byte("fake-png"), result.Data)
		assert.Equal(t, "image/png", result.ContentType)
	})

	t.Run("シードは呼び出しごとにインクリメントされるのだ", func(t *testing.T) {
		var seeds []int32
		mock := &mockAIClient{
			generateFunc: func(model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
				require.NotNil(t, opts.Seed)
				seeds = append(seeds, *opts.Seed)
				return inlineResponse([]byte("x"), "image/png"), nil
			},
		}
		backend, err := NewBackend(mock, "gemini-2.5-flash-image")
		require.NoError(t, err)

		seed := int64(7)
		_, err = backend.CreateGenerationJob(ctx, testBackendRequest(t, 3, &seed), "key")
		require.NoError(t, err)
		assert.Equal(t, []int32{7, 8, 9}, seeds)
	})

	t.Run("初回の生成失敗は失敗ジョブとして登録されるのだ", func(t *testing.T) {
		mock := &mockAIClient{
			generateFunc: func(model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
				return nil, fmt.Errorf("quota exceeded")
			},
		}
		backend, err := NewBackend(mock, "gemini-2.5-flash-image")
		require.NoError(t, err)

		created, err := backend.CreateGenerationJob(ctx, testBackendRequest(t, 1, nil), "key")
		require.NoError(t, err)

		job, err := backend.PollJob(ctx, created.JobID, "")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, job.Status)
		assert.Contains(t, job.FailureReason, "quota exceeded")
	})

	t.Run("画像なしの応答は失敗ジョブになるのだ", func(t *testing.T) {
		mock := &mockAIClient{
			generateFunc: func(model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
				return &gemini.Response{}, nil
			},
		}
		backend, err := NewBackend(mock, "gemini-2.5-flash-image")
		require.NoError(t, err)

		created, err := backend.CreateGenerationJob(ctx, testBackendRequest(t, 1, nil), "key")
		require.NoError(t, err)

		job, err := backend.PollJob(ctx, created.JobID, "")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, job.Status)
		assert.NotEmpty(t, job.FailureReason)
	})
}

func TestBackendEdges(t *testing.T) {
	ctx := context.Background()

	backend, err := NewBackend(&mockAIClient{
		generateFunc: func(model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
			return inlineResponse([]byte("x"), "image/png"), nil
		},
	}, "gemini-2.5-flash-image")
	require.NoError(t, err)

	t.Run("未知のジョブIDはエラーなのだ", func(t *testing.T) {
		_, err := backend.PollJob(ctx, "no-such-job", "")
		assert.Error(t, err)
	})

	t.Run("inline以外のURLは解決できないのだ", func(t *testing.T) {
		_, err := backend.DownloadOutput(ctx, "https://example.com/a.png")
		assert.Error(t, err)
	})

	t.Run("事前アップロードは不要なのだ", func(t *testing.T) {
		targets, err := backend.PrepareUploads(ctx, nil)
		require.NoError(t, err)
		assert.Nil(t, targets)
	})
}
