package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/speaker-forge/internal/jobs"
)

// Kind は工程失敗の分類です。リトライ・フォールバック・即時失敗の判断に使います。
type Kind string

const (
	KindTransient             Kind = "TransientEngineError"
	KindCapabilityUnavailable Kind = "CapabilityUnavailable"
	KindInput                 Kind = "InputError"
	KindIO                    Kind = "IOFailure"
	KindInsufficientAudio     Kind = "InsufficientAudio"
	KindCancelled             Kind = jobs.ErrorKindCancelled
	KindInternal              Kind = "Internal"
)

const (
	CodeUnsupportedFormat = "UnsupportedFormat"
	CodeCodecFailure      = "CodecFailure"
	CodeEngineUnavailable = "EngineUnavailable"
	CodeEngineError       = "EngineError"
	CodeInsufficientAudio = "InsufficientAudio"
	CodeWriteFailure      = "WriteFailure"
	CodeCancelled         = "Cancelled"
	CodeTimeout           = "Timeout"
	CodeInternal          = "InternalError"
)

// StageError は工程の失敗を表します。Message は利用者に表示されます。
type StageError struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError は StageError を作成します。
func NewError(kind Kind, code string, err error, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Unavailable はエンジンそのものが利用できないことを表します。フォールバックの対象です。
func Unavailable(err error, format string, args ...any) *StageError {
	return NewError(KindCapabilityUnavailable, CodeEngineUnavailable, err, format, args...)
}

// Transient は一時的なエンジン失敗を表します。同じ入力でリトライされます。
func Transient(err error, format string, args ...any) *StageError {
	return NewError(KindTransient, CodeEngineError, err, format, args...)
}

// InvalidInput は入力音声が扱えないことを表します。
func InvalidInput(err error, format string, args ...any) *StageError {
	return NewError(KindInput, CodeUnsupportedFormat, err, format, args...)
}

// IOError はファイル入出力やコーデックの失敗を表します。
func IOError(code string, err error, format string, args ...any) *StageError {
	return NewError(KindIO, code, err, format, args...)
}

// Insufficient は話者分離に十分な音声が無いことを表します。
func Insufficient(format string, args ...any) *StageError {
	return NewError(KindInsufficientAudio, CodeInsufficientAudio, nil, format, args...)
}

func cancelledError() *StageError {
	return NewError(KindCancelled, CodeCancelled, nil, jobs.CancelledMessage)
}

// interruption は呼び出し元の context が終了した理由を工程エラーにします。
func interruption(err error) *StageError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindInternal, CodeTimeout, err, "処理時間の上限を超えたため中断しました")
	}
	return NewError(KindCancelled, CodeCancelled, err, "サーバーの停止により処理を中止しました")
}

// KindOf はエラーの分類を返します。分類されていないエラーは Internal です。
func KindOf(err error) Kind {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	return KindInternal
}

// describe はジョブに記録する種別とメッセージを決めます。
func describe(err error) (Kind, string) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind, stageErr.Message
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		ie := interruption(err)
		return ie.Kind, ie.Message
	}
	return KindInternal, fmt.Sprintf("予期しないエラーが発生しました: %v", err)
}
