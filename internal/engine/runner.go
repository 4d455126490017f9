// Package engine は外部コマンド（ffmpeg / WhisperX / whisper.cpp / 話者分離）を
// パイプラインのエンジンインターフェースに適合させます。
package engine

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"strings"
)

const maxStderrInMessage = 500

// commandResult は外部コマンドの実行結果です。
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner はテストで差し替えられるようにプロセス実行を抽象化します。
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner は os/exec でコマンドを実行します。
type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// isMissingBinary はコマンド自体が見つからない失敗かを判定します。
func isMissingBinary(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

// stderrTail はエラーメッセージに載せる標準エラーの末尾です。
func stderrTail(res commandResult) string {
	s := strings.TrimSpace(res.Stderr)
	if len(s) > maxStderrInMessage {
		s = "..." + s[len(s)-maxStderrInMessage:]
	}
	return s
}
