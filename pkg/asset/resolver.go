package asset

import (
	"fmt"
	"regexp"

	"github.com/shouni/go-utils/urlpath"
)

const (
	// GeneratedFilePrefix は生成画像のファイル名に付く共通プレフィックスです。
	GeneratedFilePrefix = "gen"
	// SidecarExt は出力メタデータ（サイドカー）の拡張子です。
	SidecarExt = ".json"
)

// GeneratedFileRegex は生成画像 (gen_1a2b3c4d_1.png 等) に一致します
var GeneratedFileRegex = regexp.MustCompile(`^gen_[0-9a-f]+_\d+\.[a-z]+$`)

// ResolveOutputPath は、ベースとなるディレクトリパスとファイル名から、
// GCS/ローカルを考慮した最終的な出力パスを生成します。
func ResolveOutputPath(baseDir, fileName string) (string, error) {
	return urlpath.ResolvePath(baseDir, fileName)
}

// GeneratedFileName は、ジョブIDの短縮形と1始まりの連番から
// 生成画像のファイル名を組み立てます。
// 例: ("1a2b3c4d", 1, ".png") -> "gen_1a2b3c4d_1.png"
func GeneratedFileName(shortJobID string, index int, ext string) string {
	return fmt.Sprintf("%s_%s_%d%s", GeneratedFilePrefix, shortJobID, index, ext)
}
