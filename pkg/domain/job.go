package domain

// JobStatus はプロバイダ側ジョブの状態です。
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
)

// Terminal はこれ以上遷移しない状態かどうかを返します。
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// GenerationJob はプロバイダ側で進行する1件の生成ジョブのスナップショットです。
// ローカルでは書き換えず、常に再取得によってのみ更新されるのだ。
type GenerationJob struct {
	ID            string
	Status        JobStatus
	PollURL       string
	FailureReason string
	Outputs       []GenerationOutput
}

// GenerationOutput は成功したジョブが生み出した1枚の出力です。
// URL は短命なことがあり、期限切れ時は再取得で差し替えられます。
type GenerationOutput struct {
	Index    int
	URL      string
	MimeType string
	ByteSize int64
	Width    int
	Height   int
}

// SavedOutput はローカル（またはリモートストレージ）へ永続化済みの出力です。
type SavedOutput struct {
	Output GenerationOutput
	Path   string
}

// Slot は文書内で1枚の出力が占める位置とサイズです。
type Slot struct {
	X      int
	Y      int
	Width  int
	Height int
}

// NodePayload は文書グラフへ挿入するノードの中身です。
// Text と FilePath はどちらか一方だけが使われます。
type NodePayload struct {
	Text     string
	FilePath string
}
