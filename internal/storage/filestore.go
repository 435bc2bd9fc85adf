// Package storage はダウンロードファイルの配置規則と安全な書き込みを提供する。
// 書き込みはステージングファイル経由で行い、既存ファイルはバックアップを
// 取ってから昇格する。中断してもダウンロード先の正規パスには部分書き込みが
// 残らない。
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// orphansFolder は請求に紐付かない文書の置き場。
	orphansFolder = "orphans"
	// maxFileNameLen はファイル名の最大バイト数（拡張子込み）。
	maxFileNameLen = 255

	stagingPrefix = ".part-"
	backupSuffix  = ".bak"
)

// FileStore はダウンロードルート配下のファイル配置と書き込みを担う。
type FileStore struct {
	root   string
	logger *slog.Logger
}

// NewFileStore はFileStoreの新しいインスタンスを生成する。
func NewFileStore(root string, logger *slog.Logger) *FileStore {
	return &FileStore{root: root, logger: logger}
}

// Root はダウンロードルートを返す。
func (s *FileStore) Root() string {
	return s.root
}

// SourceDir はポータルごとのダウンロードディレクトリを返す。
// ディレクトリ名はポータルURLのホスト名。
func (s *FileStore) SourceDir(sourceURL string) (string, error) {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return "", fmt.Errorf("ポータルURLの解析に失敗しました: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("ポータルURLにホスト名がありません: %q", sourceURL)
	}
	return filepath.Join(s.root, parsed.Host), nil
}

// DocumentPath は文書の正規の保存先パスを組み立てる。
// 請求IDが空の文書はorphansフォルダに置く。zipファイルは請求フォルダを
// 作らず `<請求ID>.zip` に畳み込む（一括ダウンロードの成果物は請求ごとに
// 1つのアーカイブであるため）。
func (s *FileStore) DocumentPath(sourceURL, requestID, fileName string) (string, error) {
	sourceDir, err := s.SourceDir(sourceURL)
	if err != nil {
		return "", err
	}

	folder := requestID
	if folder == "" {
		folder = orphansFolder
	}
	folder = sanitizeName(folder)

	name := sanitizeName(truncateFileName(filepath.Base(fileName)))

	if strings.EqualFold(filepath.Ext(name), ".zip") {
		return filepath.Join(sourceDir, folder+".zip"), nil
	}
	return filepath.Join(sourceDir, folder, name), nil
}

// truncateFileName は拡張子を保ったままファイル名を最大長（バイト数）に
// 切り詰める。マルチバイト文字の途中では切らない。
func truncateFileName(name string) string {
	if len(name) <= maxFileNameLen {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	keep := maxFileNameLen - len(ext)
	if keep < 0 {
		keep = 0
	}
	if len(base) > keep {
		for keep > 0 && !utf8.RuneStart(base[keep]) {
			keep--
		}
		base = base[:keep]
	}
	return base + ext
}

// sanitizeName はパス区切りになり得る文字をアンダースコアに置換する。
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\':
			return '_'
		}
		return r
	}, name)
}

// WriteResult はWriteの結果。
type WriteResult struct {
	Path     string
	Size     int64
	Checksum string // SHA-256の16進表現
}

// Write はbodyを正規パスfinalPathに安全に書き込む。手順:
//  1. 同一ディレクトリのステージングファイル `.part-<uuid>` にストリーム書き込み
//     しながらSHA-256を計算する
//  2. expectedLenが非負の場合、書き込みバイト数と一致するか検証する
//  3. 既存の正規ファイルを `.bak` に退避してからリネームで昇格する
//  4. 成功時はバックアップを削除、失敗時はバックアップを復元する
//
// 昇格はリネームで行うため、正規パスに部分書き込みが観測されることはない。
func (s *FileStore) Write(finalPath string, body io.Reader, expectedLen int64) (*WriteResult, error) {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("保存先ディレクトリの作成に失敗しました: %w", err)
	}

	stagingPath := finalPath + stagingPrefix + uuid.New().String()
	staging, err := os.Create(stagingPath)
	if err != nil {
		return nil, fmt.Errorf("ステージングファイルの作成に失敗しました: %w", err)
	}

	hasher := sha256.New()
	written, err := io.Copy(staging, io.TeeReader(body, hasher))
	closeErr := staging.Close()
	if err != nil {
		os.Remove(stagingPath)
		return nil, fmt.Errorf("ダウンロードストリームの書き込みに失敗しました: %w", err)
	}
	if closeErr != nil {
		os.Remove(stagingPath)
		return nil, fmt.Errorf("ステージングファイルのクローズに失敗しました: %w", closeErr)
	}

	if expectedLen >= 0 && written != expectedLen {
		os.Remove(stagingPath)
		return nil, fmt.Errorf("ダウンロードサイズが一致しません: got %d bytes, want %d bytes", written, expectedLen)
	}

	if err := s.promote(stagingPath, finalPath); err != nil {
		os.Remove(stagingPath)
		return nil, err
	}

	return &WriteResult{
		Path:     finalPath,
		Size:     written,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// promote はステージングファイルを正規パスへ昇格する。既存ファイルは
// バックアップへ退避し、昇格に失敗した場合は復元する。
func (s *FileStore) promote(stagingPath, finalPath string) error {
	backupPath := finalPath + backupSuffix
	backedUp := false

	if _, err := os.Stat(finalPath); err == nil {
		if err := os.Rename(finalPath, backupPath); err != nil {
			return fmt.Errorf("既存ファイルの退避に失敗しました: %w", err)
		}
		backedUp = true
	}

	if err := os.Rename(stagingPath, finalPath); err != nil {
		if backedUp {
			if restoreErr := os.Rename(backupPath, finalPath); restoreErr != nil {
				s.logger.Error("バックアップの復元に失敗しました",
					slog.String("path", finalPath),
					slog.String("error", restoreErr.Error()),
				)
			}
		}
		return fmt.Errorf("ファイルの昇格に失敗しました: %w", err)
	}

	if backedUp {
		if err := os.Remove(backupPath); err != nil {
			s.logger.Warn("バックアップの削除に失敗しました",
				slog.String("path", backupPath),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// HashFile はファイルのSHA-256チェックサムを16進表現で返す。
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("ファイルのオープンに失敗しました: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("チェックサム計算に失敗しました: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// IsTransientFile はステージングファイルまたはバックアップファイルかどうかを
// 判定する。修復処理とスイーパーはこれらを走査対象から除外する。
func IsTransientFile(name string) bool {
	return strings.Contains(name, stagingPrefix) || strings.HasSuffix(name, backupSuffix)
}
