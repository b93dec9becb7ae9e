package canvasapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/go-canvas-kit/pkg/domain"
	"github.com/shouni/go-canvas-kit/pkg/generation"
)

func testClient(ts *httptest.Server) *Client {
	return New(Options{
		BaseURL:           ts.URL,
		APIKey:            "test-key",
		HTTPClient:        ts.Client(),
		AllowPrivateHosts: true,
	})
}

func testRequest(t *testing.T) domain.GenerationRequest {
	t.Helper()
	req, err := domain.NewGenerationRequest("gemini-2.5-flash-image", "ずんだもんの肖像画", 2, "16:9", nil, nil)
	require.NoError(t, err)
	return req
}

func TestClient_CreateGenerationJob(t *testing.T) {
	ctx := context.Background()

	t.Run("認証と冪等性キーをヘッダで送るのだ", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/images/jobs", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			assert.Equal(t, "idem-123", r.Header.Get("Idempotency-Key"))

			var payload createJobRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "gemini-2.5-flash-image", payload.Model)
			assert.Equal(t, 2, payload.Count)
			assert.Equal(t, "16:9", payload.AspectRatio)

			_ = json.NewEncoder(w).Encode(createJobResponse{JobID: "job-9", PollURL: "/v1/images/jobs/job-9"})
		}))
		defer ts.Close()

		result, err := testClient(ts).CreateGenerationJob(ctx, testRequest(t), "idem-123")

		require.NoError(t, err)
		assert.Equal(t, "job-9", result.JobID)
		assert.Equal(t, "/v1/images/jobs/job-9", result.PollURL)
	})

	t.Run("エラーエンベロープのメッセージが伝わる", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":"rate_limited","message":"slow down"}}`))
		}))
		defer ts.Close()

		_, err := testClient(ts).CreateGenerationJob(ctx, testRequest(t), "")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "slow down")
		assert.Contains(t, err.Error(), "rate_limited")
	})

	t.Run("APIキー未設定は通信せずに失敗するのだ", func(t *testing.T) {
		client := New(Options{BaseURL: "https://api.example.com"})
		_, err := client.CreateGenerationJob(ctx, testRequest(t), "")
		require.ErrorIs(t, err, domain.ErrNoAPIKey)
	})
}

func TestClient_PollJob(t *testing.T) {
	ctx := context.Background()

	t.Run("状態と出力が変換されるのだ", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/images/jobs/job-9", r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"job_id": "job-9",
				"status": "succeeded",
				"outputs": []map[string]any{
					{"index": 0, "url": "https://cdn.example.com/0.png", "mime_type": "image/png", "width": 1024, "height": 576},
				},
			})
		}))
		defer ts.Close()

		job, err := testClient(ts).PollJob(ctx, "job-9", "")

		require.NoError(t, err)
		assert.Equal(t, domain.StatusSucceeded, job.Status)
		require.Len(t, job.Outputs, 1)
		assert.Equal(t, 1024, job.Outputs[0].Width)
	})

	t.Run("揺れた状態表現も正規化される", func(t *testing.T) {
		assert.Equal(t, domain.StatusSucceeded, normalizeStatus("COMPLETED", ""))
		assert.Equal(t, domain.StatusFailed, normalizeStatus("error", ""))
		assert.Equal(t, domain.StatusQueued, normalizeStatus("", "queued"))
		assert.Equal(t, domain.StatusProcessing, normalizeStatus("rendering", ""))
	})
}

func TestClient_DownloadOutput(t *testing.T) {
	ctx := context.Background()

	t.Run("同一オリジンには認証ヘッダを付ける", func(t *testing.T) {
		var gotAuth string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png-bytes"))
		}))
		defer ts.Close()

		result, err := testClient(ts).DownloadOutput(ctx, ts.URL+"/outputs/a.png")

		require.NoError(t, err)
		assert.Equal(t, []byte("png-bytes"), result.Data)
		assert.Equal(t, "image/png", result.ContentType)
		assert.Equal(t, "Bearer test-key", gotAuth)
	})

	t.Run("別オリジンには認証情報を送らないのだ", func(t *testing.T) {
		var gotAuth string
		cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			_, _ = w.Write([]byte("signed-bytes"))
		}))
		defer cdn.Close()
		api := httptest.NewServer(http.NotFoundHandler())
		defer api.Close()

		_, err := testClient(api).DownloadOutput(ctx, cdn.URL+"/signed/a.png")

		require.NoError(t, err)
		assert.Empty(t, gotAuth)
	})

	t.Run("HTTPエラーは DownloadError になる", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusGone)
		}))
		defer ts.Close()

		_, err := testClient(ts).DownloadOutput(ctx, ts.URL+"/outputs/a.png")

		var dlErr *domain.DownloadError
		require.True(t, errors.As(err, &dlErr))
		assert.Equal(t, http.StatusGone, dlErr.StatusCode)
	})
}

func TestClient_PrepareUploads(t *testing.T) {
	ctx := context.Background()

	t.Run("転送先の一覧が返るのだ", func(t *testing.T) {
		img := domain.NewPreparedInputImage([]byte("bytes"), "image/png")
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/uploads", r.URL.Path)
			var payload uploadsRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			require.Len(t, payload.Images, 1)
			assert.Equal(t, img.Digest, payload.Images[0].Digest)

			_ = json.NewEncoder(w).Encode(map[string]any{
				"targets": []map[string]any{{
					"url": "https://storage.example.com/put/x", "method": "PUT",
					"reference": "uploads/x", "digest": img.Digest,
					"byte_size": img.ByteSize, "mime_type": img.MimeType,
				}},
			})
		}))
		defer ts.Close()

		targets, err := testClient(ts).PrepareUploads(ctx, []domain.PreparedInputImage{img})

		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, "uploads/x", targets[0].Reference)
		assert.Equal(t, img.Digest, targets[0].Digest)
	})

	t.Run("画像がなければ何もしない", func(t *testing.T) {
		client := New(Options{BaseURL: "https://api.example.com", APIKey: "k"})
		targets, err := client.PrepareUploads(ctx, nil)
		require.NoError(t, err)
		assert.Nil(t, targets)
	})
}

func TestClient_UploadPrepared(t *testing.T) {
	ctx := context.Background()

	t.Run("指定されたメソッドとヘッダで送るのだ", func(t *testing.T) {
		var gotMethod, gotType, gotAuth string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotType = r.Header.Get("Content-Type")
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		api := httptest.NewServer(http.NotFoundHandler())
		defer api.Close()

		err := testClient(api).UploadPrepared(ctx, generation.UploadTarget{
			URL:      ts.URL + "/put/x",
			Method:   http.MethodPut,
			MimeType: "image/png",
		}, []byte("bytes"))

		require.NoError(t, err)
		assert.Equal(t, http.MethodPut, gotMethod)
		assert.Equal(t, "image/png", gotType)
		// 署名付きURLに認証ヘッダを漏らさない
		assert.Empty(t, gotAuth)
	})

	t.Run("2xx以外はエラーになる", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer ts.Close()

		err := testClient(ts).UploadPrepared(ctx, generation.UploadTarget{URL: ts.URL}, []byte("b"))
		require.Error(t, err)
	})
}
