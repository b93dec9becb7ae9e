package generation

import (
	"context"
	"io"
	"sync"

	"github.com/shouni/go-canvas-kit/pkg/domain"
)

// --- Mocks ---

type createCall struct {
	req domain.GenerationRequest
	key string
}

type mockAPIClient struct {
	mu          sync.Mutex
	createCalls []createCall
	pollCalls   int

	createFunc   func(ctx context.Context, req domain.GenerationRequest, key string) (CreateJobResult, error)
	pollFunc     func(ctx context.Context, jobID, hint string) (domain.GenerationJob, error)
	downloadFunc func(ctx context.Context, url string) (DownloadResult, error)
}

func (m *mockAPIClient) CreateGenerationJob(ctx context.Context, req domain.GenerationRequest, key string) (CreateJobResult, error) {
	m.mu.Lock()
	m.createCalls = append(m.createCalls, createCall{req: req, key: key})
	m.mu.Unlock()
	if m.createFunc != nil {
		return m.createFunc(ctx, req, key)
	}
	return CreateJobResult{JobID: "job-1"}, nil
}

func (m *mockAPIClient) PollJob(ctx context.Context, jobID, hint string) (domain.GenerationJob, error) {
	m.mu.Lock()
	m.pollCalls++
	m.mu.Unlock()
	if m.pollFunc != nil {
		return m.pollFunc(ctx, jobID, hint)
	}
	return domain.GenerationJob{ID: jobID, Status: domain.StatusSucceeded}, nil
}

func (m *mockAPIClient) DownloadOutput(ctx context.Context, url string) (DownloadResult, error) {
	if m.downloadFunc != nil {
		return m.downloadFunc(ctx, url)
	}
	return DownloadResult{Data: []byte("image-bytes"), ContentType: "image/png"}, nil
}

func (m *mockAPIClient) PrepareUploads(ctx context.Context, images []domain.PreparedInputImage) ([]UploadTarget, error) {
	return nil, nil
}

func (m *mockAPIClient) UploadPrepared(ctx context.Context, target UploadTarget, data []byte) error {
	return nil
}

// mockWriter は書き込みをメモリに記録する OutputWriter なのだ。
type mockWriter struct {
	mu       sync.Mutex
	written  map[string][]byte
	types    map[string]string
	failPath func(path string) error
}

func newMockWriter() *mockWriter {
	return &mockWriter{written: map[string][]byte{}, types: map[string]string{}}
}

func (w *mockWriter) Write(ctx context.Context, path string, reader io.Reader, contentType string) error {
	if w.failPath != nil {
		if err := w.failPath(path); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written[path] = data
	w.types[path] = contentType
	return nil
}

// mockFetcher はカタログJSONを返す catalogFetcher なのだ。
type mockFetcher struct {
	data  []byte
	err   error
	calls int
}

func (f *mockFetcher) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}
