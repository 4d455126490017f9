package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/yourusername/speaker-forge/internal/config"
)

// jobRow は speaker_jobs テーブルの1行です。version は楽観的ロックに使います。
type jobRow struct {
	JobID            string `gorm:"primaryKey;size:36"`
	OriginalFilename string `gorm:"size:255"`
	FileSize         int64
	Status           string `gorm:"size:16;index:idx_speaker_jobs_status_updated"`
	Step             string `gorm:"size:16"`
	Progress         int
	Message          string
	Owner            string `gorm:"size:128"`
	SpeakerCount     int
	OutputDir        string
	TranscriptPath   string
	ErrorKind        string `gorm:"size:64"`
	ErrorMessage     string
	CancelRequested  bool
	CreatedAt        time.Time `gorm:"autoCreateTime:false"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time `gorm:"autoUpdateTime:false;index:idx_speaker_jobs_status_updated"`
	Version          int64
}

func (jobRow) TableName() string { return "speaker_jobs" }

// trackRow は speaker_tracks テーブルの1行です。ジョブ削除時に連鎖削除されます。
type trackRow struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	JobID           string `gorm:"size:36;not null;uniqueIndex:idx_speaker_tracks_job_speaker"`
	SpeakerLabel    string `gorm:"size:32;not null;uniqueIndex:idx_speaker_tracks_job_speaker"`
	DisplayLabel    string `gorm:"size:100"`
	AudioPath       string
	DurationSeconds float64
	WordCount       int
	FileSize        int64
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
	Job             jobRow    `gorm:"foreignKey:JobID;references:JobID;constraint:OnDelete:CASCADE"`
}

func (trackRow) TableName() string { return "speaker_tracks" }

func newJobRow(r *Record) jobRow {
	row := jobRow{
		JobID:            r.JobID,
		OriginalFilename: r.OriginalFilename,
		FileSize:         r.FileSize,
		Status:           string(r.Status),
		Step:             string(r.Step),
		Progress:         r.Progress,
		Message:          r.Message,
		Owner:            r.Owner,
		SpeakerCount:     r.SpeakerCount,
		OutputDir:        r.OutputDir,
		TranscriptPath:   r.TranscriptPath,
		CancelRequested:  r.CancelRequested,
		CreatedAt:        r.CreatedAt,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.Error != nil {
		row.ErrorKind = r.Error.Kind
		row.ErrorMessage = r.Error.Message
	}
	return row
}

func (row jobRow) toRecord() *Record {
	r := &Record{
		JobID:            row.JobID,
		OriginalFilename: row.OriginalFilename,
		FileSize:         row.FileSize,
		Status:           Status(row.Status),
		Step:             Step(row.Step),
		Progress:         row.Progress,
		Message:          row.Message,
		Owner:            row.Owner,
		SpeakerCount:     row.SpeakerCount,
		OutputDir:        row.OutputDir,
		TranscriptPath:   row.TranscriptPath,
		CancelRequested:  row.CancelRequested,
		CreatedAt:        row.CreatedAt.UTC(),
		UpdatedAt:        row.UpdatedAt.UTC(),
	}
	if row.StartedAt != nil {
		t := row.StartedAt.UTC()
		r.StartedAt = &t
	}
	if row.CompletedAt != nil {
		t := row.CompletedAt.UTC()
		r.CompletedAt = &t
	}
	if row.ErrorKind != "" {
		r.Error = &ErrorInfo{Kind: row.ErrorKind, Message: row.ErrorMessage}
	}
	return r
}

// columns は更新対象の列を返します。ゼロ値も含めて書き込むためマップで渡します。
func (row jobRow) columns() map[string]any {
	return map[string]any{
		"original_filename": row.OriginalFilename,
		"file_size":         row.FileSize,
		"status":            row.Status,
		"step":              row.Step,
		"progress":          row.Progress,
		"message":           row.Message,
		"owner":             row.Owner,
		"speaker_count":     row.SpeakerCount,
		"output_dir":        row.OutputDir,
		"transcript_path":   row.TranscriptPath,
		"error_kind":        row.ErrorKind,
		"error_message":     row.ErrorMessage,
		"cancel_requested":  row.CancelRequested,
		"started_at":        row.StartedAt,
		"completed_at":      row.CompletedAt,
		"updated_at":        row.UpdatedAt,
		"version":           row.Version,
	}
}

func newTrackRow(t Track) trackRow {
	return trackRow{
		JobID:           t.JobID,
		SpeakerLabel:    t.SpeakerLabel,
		DisplayLabel:    t.DisplayLabel,
		AudioPath:       t.AudioPath,
		DurationSeconds: t.DurationSeconds,
		WordCount:       t.WordCount,
		FileSize:        t.FileSize,
		CreatedAt:       t.CreatedAt,
	}
}

func (row trackRow) toTrack() Track {
	return Track{
		JobID:           row.JobID,
		SpeakerLabel:    row.SpeakerLabel,
		DisplayLabel:    row.DisplayLabel,
		AudioPath:       row.AudioPath,
		DurationSeconds: row.DurationSeconds,
		WordCount:       row.WordCount,
		FileSize:        row.FileSize,
		CreatedAt:       row.CreatedAt.UTC(),
	}
}

// OpenDB は設定に応じて sqlite または postgres に接続します。
func OpenDB(cfg *config.Config) (*gorm.DB, error) {
	var dia gorm.Dialector
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		dia = postgres.Open(cfg.DatabaseDSN)
	case config.StoreBackendSQLite:
		dia = sqlite.Open(cfg.DatabaseDSN)
	default:
		return nil, fmt.Errorf("store backend %q does not use a database", cfg.StoreBackend)
	}

	newLogger := logger.New(
		logrus.New(),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dia, &gorm.Config{Logger: newLogger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to configure connections: %w", err)
	}
	if cfg.StoreBackend == config.StoreBackendSQLite {
		// sqlite は単一ライターのため接続を1本に絞ります。
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
	}

	if cfg.StoreBackend == config.StoreBackendPostgres {
		var version string
		if result := db.Raw("SELECT version()").Scan(&version); result.Error != nil {
			return nil, result.Error
		}
		zap.S().Named("gorm").Infof("PostgreSQL information: '%s'", version)
	}
	return db, nil
}

// SQLStore は gorm 経由でジョブ状態を保存します。
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore はテーブルを作成（または更新）して SQLStore を返します。
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&jobRow{}, &trackRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate job tables: %w", err)
	}
	return &SQLStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create は pending 状態のジョブを作成します。
func (s *SQLStore) Create(ctx context.Context, originalFilename string, size int64) (*Record, error) {
	for i := 0; i < 3; i++ {
		record := newRecord(originalFilename, size, s.now())
		row := newJobRow(record)
		err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&row).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return record, nil
	}
	return nil, fmt.Errorf("failed to allocate a unique job id")
}

// Get はジョブ情報を取得します。
func (s *SQLStore) Get(ctx context.Context, jobID string) (*Record, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toRecord(), nil
}

// Claim は pending のジョブを processing にしてオーナーを設定します。
func (s *SQLStore) Claim(ctx context.Context, jobID, owner string) (*Record, error) {
	return s.update(ctx, jobID, func(current *Record) (*Record, error) {
		return claimRecord(current, owner, s.now())
	}, nil)
}

// Takeover はハートビートが staleBefore より古い processing ジョブを引き継ぎます。
func (s *SQLStore) Takeover(ctx context.Context, jobID, owner string, staleBefore time.Time) (*Record, error) {
	return s.update(ctx, jobID, func(current *Record) (*Record, error) {
		return takeoverRecord(current, owner, staleBefore.UTC(), s.now())
	}, nil)
}

// Update はオーナーとしてジョブを変更します。
func (s *SQLStore) Update(ctx context.Context, jobID, owner string, mutate Mutation) (*Record, error) {
	return s.update(ctx, jobID, func(current *Record) (*Record, error) {
		return applyMutation(current, owner, mutate, s.now())
	}, nil)
}

// RequestCancel はジョブの中止を要求します。
func (s *SQLStore) RequestCancel(ctx context.Context, jobID, message string) (*Record, error) {
	return s.update(ctx, jobID, func(current *Record) (*Record, error) {
		return cancelRecord(current, message, s.now())
	}, nil)
}

// SaveTracks はトラックの作成とレコード変更を1つのトランザクションで行います。
func (s *SQLStore) SaveTracks(ctx context.Context, jobID, owner string, tracks []Track, mutate Mutation) (*Record, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("tracks are required")
	}
	prepared := prepareTracks(jobID, tracks, s.now())
	return s.update(ctx, jobID, func(current *Record) (*Record, error) {
		return applyMutation(current, owner, mutate, s.now())
	}, func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&trackRow{}).Where("job_id = ?", jobID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("%w: tracks already exist for job %s", ErrInvalidTransition, jobID)
		}
		rows := make([]trackRow, len(prepared))
		for i, t := range prepared {
			rows[i] = newTrackRow(t)
		}
		return tx.Omit(clause.Associations).Create(&rows).Error
	})
}

// Tracks は話者ID順にトラックを返します。
func (s *SQLStore) Tracks(ctx context.Context, jobID string) ([]Track, error) {
	var rows []trackRow
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("speaker_label").Find(&rows).Error; err != nil {
		return nil, err
	}
	tracks := make([]Track, len(rows))
	for i, row := range rows {
		tracks[i] = row.toTrack()
	}
	return tracks, nil
}

// RenameTrack は表示用の話者名を変更します。
func (s *SQLStore) RenameTrack(ctx context.Context, jobID, speakerLabel, displayLabel string) (*Track, error) {
	var row trackRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&trackRow{}).
			Where("job_id = ? AND speaker_label = ?", jobID, speakerLabel).
			Update("display_label", displayLabel)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("job_id = ? AND speaker_label = ?", jobID, speakerLabel).First(&row).Error
	})
	if err != nil {
		return nil, err
	}
	t := row.toTrack()
	return &t, nil
}

// ListStale はハートビートが staleBefore より古い processing ジョブを返します。
func (s *SQLStore) ListStale(ctx context.Context, staleBefore time.Time) ([]*Record, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(StatusProcessing), staleBefore.UTC()).
		Order("updated_at").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]*Record, len(rows))
	for i, row := range rows {
		records[i] = row.toRecord()
	}
	return records, nil
}

// Delete はジョブとトラックを削除します。
func (s *SQLStore) Delete(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Delete(&trackRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("job_id = ?", jobID).Delete(&jobRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// errStaleVersion は読み取り後に別のトランザクションが行を更新したことを表します。
var errStaleVersion = errors.New("stale job version")

// update はトランザクション内でレコードを読み替えます。
// version が読み取り時から変わっていれば読み直して再適用し、
// updateMaxAttempts 回続けて競合した場合は ErrConflict を返します。
// failed への遷移ではトラックも同じトランザクションで削除します。
func (s *SQLStore) update(ctx context.Context, jobID string, mutate func(*Record) (*Record, error), extra func(tx *gorm.DB) error) (*Record, error) {
	for i := 0; i < updateMaxAttempts; i++ {
		next, err := s.tryUpdate(ctx, jobID, mutate, extra)
		if errors.Is(err, errStaleVersion) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, fmt.Errorf("%w: concurrent update of job %s", ErrConflict, jobID)
}

func (s *SQLStore) tryUpdate(ctx context.Context, jobID string, mutate func(*Record) (*Record, error), extra func(tx *gorm.DB) error) (*Record, error) {
	var next *Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		if err := tx.Where("job_id = ?", jobID).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		var err error
		next, err = mutate(row.toRecord())
		if err != nil {
			return err
		}

		updated := newJobRow(next)
		updated.Version = row.Version + 1
		res := tx.Model(&jobRow{}).
			Where("job_id = ? AND version = ?", jobID, row.Version).
			Updates(updated.columns())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStaleVersion
		}

		if next.Status == StatusFailed {
			if err := tx.Where("job_id = ?", jobID).Delete(&trackRow{}).Error; err != nil {
				return err
			}
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}
