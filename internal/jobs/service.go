package jobs

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const maxDisplayLabelLen = 100

var displayLabelPattern = regexp.MustCompile(`^[\p{L}0-9 \-_.]+$`)

// StatusDocument はクライアントに返すジョブ状態です。1つの確定済みレコードの射影で、
// 書き込みが無い限り同じ内容を返します。
type StatusDocument struct {
	JobID               string         `json:"jobId"`
	OriginalFilename    string         `json:"originalFilename"`
	Status              Status         `json:"status"`
	Stage               Step           `json:"stage"`
	Progress            int            `json:"progress"`
	Message             string         `json:"message,omitempty"`
	Error               *ErrorInfo     `json:"error,omitempty"`
	SpeakerCount        int            `json:"speakerCount"`
	TranscriptAvailable bool           `json:"transcriptAvailable"`
	CancelRequested     bool           `json:"cancelRequested"`
	Tracks              []TrackSummary `json:"tracks"`
	CreatedAt           time.Time      `json:"createdAt"`
	StartedAt           *time.Time     `json:"startedAt,omitempty"`
	CompletedAt         *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// TrackSummary はサーバ内部のパスを含まないトラック情報です。
type TrackSummary struct {
	SpeakerLabel    string  `json:"speakerLabel"`
	DisplayLabel    string  `json:"displayLabel"`
	DurationSeconds float64 `json:"durationSeconds"`
	WordCount       int     `json:"wordCount"`
	FileSize        int64   `json:"fileSize"`
}

// Summarize は Track を公開用に変換します。
func Summarize(t Track) TrackSummary {
	return TrackSummary{
		SpeakerLabel:    t.SpeakerLabel,
		DisplayLabel:    t.Label(),
		DurationSeconds: t.DurationSeconds,
		WordCount:       t.WordCount,
		FileSize:        t.FileSize,
	}
}

// Service はジョブの作成と状態参照、表示名の変更を提供します。
type Service struct {
	store Store
}

// NewService は Service を作成します。
func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateJob は新しいジョブを pending 状態で登録します。
func (s *Service) CreateJob(ctx context.Context, filename string, size int64) (*Record, error) {
	if size < 0 {
		return nil, fmt.Errorf("file size must not be negative")
	}
	return s.store.Create(ctx, filename, size)
}

// Report はジョブの状態ドキュメントを返します。トラックは completed の場合のみ含めます。
func (s *Service) Report(ctx context.Context, jobID string) (*StatusDocument, error) {
	if !ValidJobID(jobID) {
		return nil, ErrNotFound
	}
	record, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	doc := &StatusDocument{
		JobID:               record.JobID,
		OriginalFilename:    record.OriginalFilename,
		Status:              record.Status,
		Stage:               record.Step,
		Progress:            record.Progress,
		Message:             record.Message,
		Error:               record.Error,
		SpeakerCount:        record.SpeakerCount,
		TranscriptAvailable: record.Status == StatusCompleted && record.TranscriptPath != "",
		CancelRequested:     record.CancelRequested,
		Tracks:              []TrackSummary{},
		CreatedAt:           record.CreatedAt,
		StartedAt:           record.StartedAt,
		CompletedAt:         record.CompletedAt,
		UpdatedAt:           record.UpdatedAt,
	}
	if record.Status != StatusCompleted {
		return doc, nil
	}

	tracks, err := s.store.Tracks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, t := range tracks {
		doc.Tracks = append(doc.Tracks, Summarize(t))
	}
	return doc, nil
}

// ListTracks は完了済みジョブのトラックを返します。未完了のジョブは空です。
func (s *Service) ListTracks(ctx context.Context, jobID string) ([]Track, error) {
	if !ValidJobID(jobID) {
		return nil, ErrNotFound
	}
	record, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusCompleted {
		return []Track{}, nil
	}
	return s.store.Tracks(ctx, jobID)
}

// RenameTrack は話者の表示名を変更します。
func (s *Service) RenameTrack(ctx context.Context, jobID, speakerLabel, displayLabel string) (*Track, error) {
	label, err := NormalizeDisplayLabel(displayLabel)
	if err != nil {
		return nil, err
	}
	if !ValidJobID(jobID) {
		return nil, ErrNotFound
	}
	record, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusCompleted {
		return nil, ErrNotFound
	}
	return s.store.RenameTrack(ctx, jobID, speakerLabel, label)
}

// Track は完了済みジョブの話者トラックを1件返します。
func (s *Service) Track(ctx context.Context, jobID, speakerLabel string) (*Track, error) {
	tracks, err := s.ListTracks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for i := range tracks {
		if tracks[i].SpeakerLabel == speakerLabel {
			return &tracks[i], nil
		}
	}
	return nil, ErrNotFound
}

// TranscriptPath は完了済みジョブの文字起こし JSON のパスを返します。
func (s *Service) TranscriptPath(ctx context.Context, jobID string) (string, error) {
	if !ValidJobID(jobID) {
		return "", ErrNotFound
	}
	record, err := s.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if record.Status != StatusCompleted || record.TranscriptPath == "" {
		return "", ErrNotFound
	}
	return record.TranscriptPath, nil
}

// CancelledMessage は利用者の要求で中止したジョブに記録するメッセージです。
const CancelledMessage = "利用者の要求により処理を中止しました"

// CancelJob はジョブの中止を要求します。pending のジョブはその場で failed になります。
// processing のジョブは実行中のワーカーが次に状態を確認した時点で止まります。
// 終了済みのジョブは ErrInvalidTransition です。
func (s *Service) CancelJob(ctx context.Context, jobID string) (*Record, error) {
	if !ValidJobID(jobID) {
		return nil, ErrNotFound
	}
	return s.store.RequestCancel(ctx, jobID, CancelledMessage)
}

// Discard はキュー投入に失敗したジョブを取り消します。
func (s *Service) Discard(ctx context.Context, jobID string) error {
	return s.store.Delete(ctx, jobID)
}

// NormalizeDisplayLabel は前後の空白を除き、表示名として使える文字列かを検証します。
func NormalizeDisplayLabel(label string) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", fmt.Errorf("%w: label must not be empty", ErrInvalidLabel)
	}
	if utf8.RuneCountInString(label) > maxDisplayLabelLen {
		return "", fmt.Errorf("%w: label must be at most %d characters", ErrInvalidLabel, maxDisplayLabelLen)
	}
	if !displayLabelPattern.MatchString(label) {
		return "", fmt.Errorf("%w: label contains unsupported characters", ErrInvalidLabel)
	}
	return label, nil
}
