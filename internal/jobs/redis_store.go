package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix     = "job:"
	tracksKeySuffix  = ":tracks"
	processingSetKey = "jobs:processing"

	renameMaxAttempts = 3
	updateMaxAttempts = 3
)

// RedisStore はジョブ状態を Redis に保存します。
// レコードは job:<id> に JSON で、トラックは job:<id>:tracks のハッシュに保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore は RedisStore を作成します。ttl が 0 の場合レコードは期限切れになりません。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create は pending 状態のジョブを作成します。
func (s *RedisStore) Create(ctx context.Context, originalFilename string, size int64) (*Record, error) {
	for i := 0; i < 3; i++ {
		record := newRecord(originalFilename, size, s.now())
		payload, err := json.Marshal(record)
		if err != nil {
			return nil, err
		}
		ok, err := s.rdb.SetNX(ctx, jobKey(record.JobID), payload, s.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return record, nil
		}
	}
	return nil, fmt.Errorf("failed to allocate a unique job id")
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeRecord(data)
}

// Claim は pending のジョブを processing にしてオーナーを設定します。
func (s *RedisStore) Claim(ctx context.Context, jobID, owner string) (*Record, error) {
	return s.updatePartial(ctx, jobID, nil, func(current *Record) (*Record, error) {
		return claimRecord(current, owner, s.now())
	})
}

// Takeover はハートビートが staleBefore より古い processing ジョブを引き継ぎます。
func (s *RedisStore) Takeover(ctx context.Context, jobID, owner string, staleBefore time.Time) (*Record, error) {
	return s.updatePartial(ctx, jobID, nil, func(current *Record) (*Record, error) {
		return takeoverRecord(current, owner, staleBefore, s.now())
	})
}

// Update はオーナーとしてジョブを変更します。
func (s *RedisStore) Update(ctx context.Context, jobID, owner string, mutate Mutation) (*Record, error) {
	return s.updatePartial(ctx, jobID, nil, func(current *Record) (*Record, error) {
		return applyMutation(current, owner, mutate, s.now())
	})
}

// RequestCancel はジョブの中止を要求します。
func (s *RedisStore) RequestCancel(ctx context.Context, jobID, message string) (*Record, error) {
	return s.updatePartial(ctx, jobID, nil, func(current *Record) (*Record, error) {
		return cancelRecord(current, message, s.now())
	})
}

// SaveTracks はトラックを一括保存し、同じトランザクションでレコードを変更します。
func (s *RedisStore) SaveTracks(ctx context.Context, jobID, owner string, tracks []Track, mutate Mutation) (*Record, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("tracks are required")
	}
	prepared := prepareTracks(jobID, tracks, s.now())
	return s.updatePartial(ctx, jobID, prepared, func(current *Record) (*Record, error) {
		return applyMutation(current, owner, mutate, s.now())
	})
}

// Tracks は話者ID順にトラックを返します。
func (s *RedisStore) Tracks(ctx context.Context, jobID string) ([]Track, error) {
	values, err := s.rdb.HGetAll(ctx, tracksKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	tracks := make([]Track, 0, len(values))
	for _, v := range values {
		var t Track
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].SpeakerLabel < tracks[j].SpeakerLabel })
	return tracks, nil
}

// RenameTrack は表示用の話者名を変更します。話者ID自体は変わりません。
func (s *RedisStore) RenameTrack(ctx context.Context, jobID, speakerLabel, displayLabel string) (*Track, error) {
	key := tracksKey(jobID)
	var renamed Track
	for i := 0; i < renameMaxAttempts; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.HGet(ctx, key, speakerLabel).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return err
			}
			if err := json.Unmarshal(data, &renamed); err != nil {
				return err
			}
			renamed.DisplayLabel = displayLabel
			payload, err := json.Marshal(&renamed)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, speakerLabel, payload)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &renamed, nil
	}
	return nil, ErrConflict
}

// ListStale はハートビートが staleBefore より古い processing ジョブを返します。
func (s *RedisStore) ListStale(ctx context.Context, staleBefore time.Time) ([]*Record, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, processingSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(staleBefore.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.rdb.ZRem(ctx, processingSetKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if record.Status == StatusProcessing && record.UpdatedAt.Before(staleBefore) {
			records = append(records, record)
		}
	}
	return records, nil
}

// Delete はジョブとトラックをまとめて削除します。
func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	n, err := s.rdb.Exists(ctx, jobKey(jobID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, jobKey(jobID), tracksKey(jobID))
		pipe.ZRem(ctx, processingSetKey, jobID)
		return nil
	})
	return err
}

// updatePartial は WATCH 付きトランザクションでレコードを読み替えます。
// 監視中のキーが他から書き換えられた場合は読み直して再適用し、
// updateMaxAttempts 回続けて競合した場合は ErrConflict を返します。
// オーナーの確認は mutate が毎回行います。
func (s *RedisStore) updatePartial(ctx context.Context, jobID string, tracks []Track, mutate func(*Record) (*Record, error)) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	for i := 0; i < updateMaxAttempts; i++ {
		next, err := s.tryUpdate(ctx, jobID, tracks, mutate)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, fmt.Errorf("%w: concurrent update of job %s", ErrConflict, jobID)
}

func (s *RedisStore) tryUpdate(ctx context.Context, jobID string, tracks []Track, mutate func(*Record) (*Record, error)) (*Record, error) {
	key := jobKey(jobID)
	tKey := tracksKey(jobID)
	watched := []string{key}
	if len(tracks) > 0 {
		watched = append(watched, tKey)
	}

	var next *Record
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		current, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if len(tracks) > 0 {
			n, err := tx.Exists(ctx, tKey).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: tracks already exist for job %s", ErrInvalidTransition, jobID)
			}
		}
		next, err = mutate(current)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		trackValues := make(map[string]any, len(tracks))
		for _, t := range tracks {
			b, err := json.Marshal(t)
			if err != nil {
				return err
			}
			trackValues[t.SpeakerLabel] = b
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			if next.Status == StatusProcessing {
				pipe.ZAdd(ctx, processingSetKey, redis.Z{
					Score:  float64(next.UpdatedAt.UnixMilli()),
					Member: jobID,
				})
			} else {
				pipe.ZRem(ctx, processingSetKey, jobID)
			}
			switch {
			case next.Status == StatusFailed:
				pipe.Del(ctx, tKey)
			case len(trackValues) > 0:
				pipe.HSet(ctx, tKey, trackValues)
				if s.ttl > 0 {
					pipe.Expire(ctx, tKey, s.ttl)
				}
			}
			return nil
		})
		return err
	}, watched...)
	if err != nil {
		return nil, err
	}
	return next, nil
}

func decodeRecord(data []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func tracksKey(id string) string {
	return jobKeyPrefix + id + tracksKeySuffix
}
