// Package storage はジョブごとの作業ディレクトリを管理します。
//
// レイアウト: <root>/<jobId>/{in,work,out}/ と <root>/<jobId>/manifest.json
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	manifestFilename = "manifest.json"
	inDirName        = "in"
	workDirName      = "work"
	outDirName       = "out"
	inputBaseName    = "input"
)

var (
	ErrInvalidJobID = errors.New("invalid job id")
	ErrNotFound     = errors.New("file not found")
	ErrInvalidName  = errors.New("invalid file name")
)

// Manifest はジョブ入力のメタデータです。アップロード時に書き込み、ワーカーが読み込みます。
type Manifest struct {
	JobID     string    `json:"jobId"`
	Input     JobFile   `json:"input"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobFile は保存した入力ファイルの情報です。
type JobFile struct {
	StoredName   string `json:"storedName"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	MIMEType     string `json:"mimeType,omitempty"`
}

// Local はローカルファイルシステム上のワークスペースを扱います。
type Local struct {
	root string
}

// NewLocal はルートディレクトリを作成して Local を返します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Root はワークスペースのルートディレクトリを返します。
func (l *Local) Root() string {
	return l.root
}

// Workspace はジョブのワークスペースのパスを返します。ディレクトリは作成しません。
func (l *Local) Workspace(jobID string) (*Workspace, error) {
	if !validJobID(jobID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	dir := filepath.Join(l.root, jobID)
	return &Workspace{
		JobID:   jobID,
		Dir:     dir,
		InDir:   filepath.Join(dir, inDirName),
		WorkDir: filepath.Join(dir, workDirName),
		OutDir:  filepath.Join(dir, outDirName),
	}, nil
}

// SaveUpload はアップロードされた音声を in/ に保存し、マニフェストを書き込みます。
// 途中で失敗した場合はワークスペースごと削除します。
func (l *Local) SaveUpload(ctx context.Context, jobID, originalName, mimeType string, r io.Reader) (_ *Manifest, err error) {
	ws, err := l.Workspace(jobID)
	if err != nil {
		return nil, err
	}
	if err := ws.ensureDirs(); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(ws.Dir)
		}
	}()

	storedName := inputBaseName + safeExtension(originalName)
	dst, err := os.OpenFile(filepath.Join(ws.InDir, storedName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to create input file: %w", err)
	}
	size, copyErr := io.Copy(dst, &contextReader{ctx: ctx, r: r})
	closeErr := dst.Close()
	if copyErr != nil {
		return nil, fmt.Errorf("failed to save input file: %w", copyErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("failed to save input file: %w", closeErr)
	}

	manifest := &Manifest{
		JobID: jobID,
		Input: JobFile{
			StoredName:   storedName,
			OriginalName: filepath.Base(originalName),
			Size:         size,
			MIMEType:     mimeType,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := ws.WriteManifest(manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

// Remove はジョブのワークスペースを削除します。
func (l *Local) Remove(jobID string) error {
	ws, err := l.Workspace(jobID)
	if err != nil {
		return err
	}
	return os.RemoveAll(ws.Dir)
}

// Workspace は1ジョブ分のディレクトリです。
type Workspace struct {
	JobID   string
	Dir     string
	InDir   string
	WorkDir string
	OutDir  string
}

func (w *Workspace) ensureDirs() error {
	for _, dir := range []string{w.InDir, w.WorkDir, w.OutDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create workspace: %w", err)
		}
	}
	return nil
}

// Prepare は work/ と out/ が存在することを保証します。
func (w *Workspace) Prepare() error {
	return w.ensureDirs()
}

// WriteManifest はマニフェストを保存します。
func (w *Workspace) WriteManifest(manifest *Manifest) error {
	if manifest == nil {
		return fmt.Errorf("manifest is nil")
	}
	file, err := os.OpenFile(filepath.Join(w.Dir, manifestFilename), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(manifest)
}

// LoadManifest はマニフェストを読み込みます。
func (w *Workspace) LoadManifest() (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(w.Dir, manifestFilename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: manifest", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if manifest.Input.StoredName == "" {
		return nil, fmt.Errorf("manifest has no input file")
	}
	return &manifest, nil
}

// InputPath はマニフェストに記録された入力ファイルのパスを返します。
func (w *Workspace) InputPath(manifest *Manifest) string {
	return filepath.Join(w.InDir, filepath.Base(manifest.Input.StoredName))
}

// WorkPath は中間ファイルのパスを返します。
func (w *Workspace) WorkPath(name string) (string, error) {
	return confine(w.WorkDir, name)
}

// OutputPath は成果物のパスを返します。out/ の外を指す名前は拒否します。
func (w *Workspace) OutputPath(name string) (string, error) {
	return confine(w.OutDir, name)
}

// OpenOutput は out/ 配下の成果物を開きます。
func (w *Workspace) OpenOutput(name string) (*os.File, os.FileInfo, error) {
	path, err := w.OutputPath(name)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return file, info, nil
}

// CleanupWork は中間ファイルを削除します。
func (w *Workspace) CleanupWork() error {
	return os.RemoveAll(w.WorkDir)
}

func confine(dir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(dir, name), nil
}

func validJobID(id string) bool {
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.String() == id
}

// safeExtension は拡張子を英数字のみの小文字にして返します。使えない場合は空です。
func safeExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// contextReader はコピー中のキャンセルを検知します。
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
