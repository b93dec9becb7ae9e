// Package orchestrator はキャンバス上のテキストノードを起点に、画像生成
// ジョブの投入から出力ノードの配置までを一気通貫で実行します。
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shouni/go-canvas-kit/pkg/canvas"
	"github.com/shouni/go-canvas-kit/pkg/domain"
	"github.com/shouni/go-canvas-kit/pkg/generation"
	"github.com/shouni/go-canvas-kit/pkg/imageprep"
	"github.com/shouni/go-canvas-kit/pkg/placeholder"
)

// DocumentPort はオーケストレーターがキャンバスに対して行う操作です。
// canvas.Adapter が実装します。
type DocumentPort interface {
	InsertNode(kind string, slot domain.Slot, payload domain.NodePayload) (string, error)
	InsertEdge(fromID, toID string) (string, error)
	RemoveNodes(ids []string) error
	UpdateNodeText(id, text string) error
	ComputeNextFreeSlot(anchorID string, count int, frame domain.Slot) ([]domain.Slot, error)
}

// RawInput は前処理前の参照画像です。
type RawInput struct {
	Data     []byte
	MimeType string
}

// Params は1回の生成実行の入力一式です。
type Params struct {
	AnchorNodeID string
	Prompt       string
	ModelID      string
	Count        int
	AspectRatio  string
	Seed         *int64
	Inputs       []RawInput
	OutputDir    string
}

// RunResult は実行結果です。Shortfall が正の場合、要求枚数の一部しか
// 保存できなかったことを示します（エラーではありません）。
type RunResult struct {
	Saved     []domain.SavedOutput
	NodeIDs   []string
	Shortfall int
}

// Orchestrator は生成パイプライン全体の進行役です。
type Orchestrator struct {
	client       generation.APIClient
	catalog      generation.Catalog
	submitter    *generation.Submitter
	retriever    *generation.Retriever
	preprocessor *imageprep.Preprocessor
	doc          DocumentPort

	frameWidth   int
	tickInterval time.Duration
}

// New は Orchestrator を組み立てます。
func New(
	client generation.APIClient,
	catalog generation.Catalog,
	submitter *generation.Submitter,
	retriever *generation.Retriever,
	preprocessor *imageprep.Preprocessor,
	doc DocumentPort,
	frameWidth int,
	tickInterval time.Duration,
) *Orchestrator {
	if frameWidth <= 0 {
		frameWidth = 420
	}
	return &Orchestrator{
		client:       client,
		catalog:      catalog,
		submitter:    submitter,
		retriever:    retriever,
		preprocessor: preprocessor,
		doc:          doc,
		frameWidth:   frameWidth,
		tickInterval: tickInterval,
	}
}

// Run は生成を実行します。途中で失敗した場合（キャンセル含む）は挿入済みの
// プレースホルダーをすべて取り除き、キャンバスを元の状態へ戻します。
func (o *Orchestrator) Run(ctx context.Context, params Params) (RunResult, error) {
	session, result, err := o.run(ctx, params)
	if err != nil {
		if session != nil {
			// ロールバック。アニメーションを止めてから残骸を消すのだ。
			session.Stop()
			session.Remove()
		}
		if domain.IsAbort(err) {
			slog.Info("生成がキャンセルされました", "node", params.AnchorNodeID)
		}
		return RunResult{}, err
	}
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, params Params) (*placeholder.Session, RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, RunResult{}, err
	}

	req, err := domain.NewGenerationRequest(params.ModelID, params.Prompt, params.Count, params.AspectRatio, params.Seed, nil)
	if err != nil {
		return nil, RunResult{}, err
	}

	if !o.catalog.Known(ctx, req.ModelID) {
		slog.Warn("カタログにないモデルが指定されたのだ", "model", req.ModelID)
	}
	perJobMax := o.catalog.MaxImagesPerJob(ctx, req.ModelID)

	// 参照画像の収集より先にプレースホルダーを見せます。実行中なのに
	// キャンバスに何も出ていない瞬間を作らないためです。
	frame := domain.FrameForAspect(req.AspectRatio, o.frameWidth)
	slots, err := o.doc.ComputeNextFreeSlot(params.AnchorNodeID, req.Count, frame)
	if err != nil {
		return nil, RunResult{}, fmt.Errorf("配置スロットの計算に失敗しました: %w", err)
	}

	nodeIDs := make([]string, 0, len(slots))
	for _, slot := range slots {
		id, err := o.doc.InsertNode(string(canvas.KindText), slot, domain.NodePayload{Text: placeholder.PlaceholderText()})
		if err != nil {
			_ = o.doc.RemoveNodes(nodeIDs)
			return nil, RunResult{}, fmt.Errorf("プレースホルダーの挿入に失敗しました: %w", err)
		}
		nodeIDs = append(nodeIDs, id)
		if _, err := o.doc.InsertEdge(params.AnchorNodeID, id); err != nil {
			_ = o.doc.RemoveNodes(nodeIDs)
			return nil, RunResult{}, fmt.Errorf("プレースホルダーの接続に失敗しました: %w", err)
		}
	}

	session := placeholder.NewSession(o.doc, nodeIDs, o.tickInterval)
	session.Start()

	// 入力画像の前処理。ここから先の失敗はプレースホルダーの巻き戻しを
	// 伴います。検証エラーは対象の実行ごと失敗させます。
	prepared := make([]domain.PreparedInputImage, 0, len(params.Inputs))
	for i, raw := range params.Inputs {
		img, err := o.preprocessor.Prepare(raw.Data, raw.MimeType)
		if err != nil {
			return session, RunResult{}, fmt.Errorf("参照画像 %d の前処理に失敗しました: %w", i+1, err)
		}
		prepared = append(prepared, img)
	}
	if len(prepared) > 0 {
		req, err = domain.NewGenerationRequest(params.ModelID, params.Prompt, params.Count, params.AspectRatio, params.Seed, prepared)
		if err != nil {
			return session, RunResult{}, err
		}
		if err := o.uploadInputs(ctx, prepared); err != nil {
			return session, RunResult{}, err
		}
	}

	onUpdate := func(job domain.GenerationJob) {
		session.SetPhase(string(job.Status))
	}

	outputs, err := o.submitter.SubmitBatch(ctx, req, perJobMax, onUpdate)
	if err != nil {
		return session, RunResult{}, err
	}

	session.SetPhase("saving")
	saved, err := o.saveOutputs(ctx, req, outputs, params.OutputDir)
	if err != nil {
		return session, RunResult{}, err
	}

	session.SetPhase("finishing")
	session.Stop()

	// ここから先のドキュメント操作は単一ゴルーチンで行います。
	fileNodeIDs := make([]string, 0, len(saved))
	for i, s := range saved {
		if i >= len(slots) {
			break
		}
		released := session.Replace(1)
		if err := o.doc.RemoveNodes(released); err != nil {
			return session, RunResult{}, fmt.Errorf("プレースホルダーの差し替えに失敗しました: %w", err)
		}
		fileID, err := o.doc.InsertNode(string(canvas.KindFile), slots[i], domain.NodePayload{FilePath: s.Path})
		if err != nil {
			return session, RunResult{}, fmt.Errorf("画像ノードの挿入に失敗しました: %w", err)
		}
		if _, err := o.doc.InsertEdge(params.AnchorNodeID, fileID); err != nil {
			return session, RunResult{}, fmt.Errorf("エッジの挿入に失敗しました: %w", err)
		}
		fileNodeIDs = append(fileNodeIDs, fileID)
	}

	// 埋まらなかったスロットのプレースホルダーは片付けます。
	session.Remove()

	shortfall := req.Count - len(saved)
	if shortfall > 0 {
		slog.Warn("要求枚数の一部だけが保存されたのだ",
			"requested", req.Count, "saved", len(saved))
	}
	slog.Info("生成が完了しました", "saved", len(saved), "dir", params.OutputDir)

	return session, RunResult{Saved: saved, NodeIDs: fileNodeIDs, Shortfall: shortfall}, nil
}

// uploadInputs は参照画像のアップロード先をAPIに問い合わせ、必要なら
// 事前アップロードを行います。nil が返るAPI（インライン方式）では
// 何もしません。
func (o *Orchestrator) uploadInputs(ctx context.Context, images []domain.PreparedInputImage) error {
	if len(images) == 0 {
		return nil
	}
	targets, err := o.client.PrepareUploads(ctx, images)
	if err != nil {
		return fmt.Errorf("アップロード先の取得に失敗しました: %w", err)
	}
	if len(targets) == 0 {
		return nil
	}

	byDigest := make(map[string]domain.PreparedInputImage, len(images))
	for _, img := range images {
		byDigest[img.Digest] = img
	}
	for _, target := range targets {
		img, ok := byDigest[target.Digest]
		if !ok {
			return fmt.Errorf("アップロード対象のダイジェストが一致しません: %s", target.Digest)
		}
		if target.ByteSize != img.ByteSize || target.MimeType != img.MimeType {
			return fmt.Errorf("アップロード対象のメタデータが一致しません: %s", target.Digest)
		}
		if err := o.client.UploadPrepared(ctx, target, img.Data); err != nil {
			return fmt.Errorf("参照画像のアップロードに失敗しました: %w", err)
		}
	}
	return nil
}

// saveOutputs は出力を並列にダウンロード・保存します。1枚でも保存に
// 失敗したら実行全体を失敗させ、ロールバックに委ねます。
func (o *Orchestrator) saveOutputs(ctx context.Context, req domain.GenerationRequest, outputs []generation.JobOutput, outputDir string) ([]domain.SavedOutput, error) {
	type ordered struct {
		ordinal int
		saved   domain.SavedOutput
	}
	var (
		mu      sync.Mutex
		results []ordered
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, jo := range outputs {
		jo := jo
		g.Go(func() error {
			s, err := o.retriever.Save(gctx, req, jo.Job, jo.Output, outputDir)
			if err != nil {
				return fmt.Errorf("出力 %d の保存に失敗しました: %w", jo.Ordinal+1, err)
			}
			mu.Lock()
			results = append(results, ordered{ordinal: jo.Ordinal, saved: s})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ordinal < results[j].ordinal })
	saved := make([]domain.SavedOutput, 0, len(results))
	for _, r := range results {
		saved = append(saved, r.saved)
	}
	return saved, nil
}
