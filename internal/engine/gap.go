package engine

import (
	"context"

	"github.com/yourusername/speaker-forge/internal/pipeline"
)

// DefaultGapThreshold は話者が交代したとみなす無音の長さ（秒）です。
const DefaultGapThreshold = 2.0

// GapDiarizer は発話区間の間の無音で2人の話者を交互に割り当てる簡易な Diarizer です。
// 話者分離モデルが使えない場合のフォールバックとして使います。
type GapDiarizer struct {
	threshold float64
}

var _ pipeline.Diarizer = (*GapDiarizer)(nil)

// NewGapDiarizer は GapDiarizer を作成します。threshold が 0 以下なら既定値を使います。
func NewGapDiarizer(threshold float64) *GapDiarizer {
	if threshold <= 0 {
		threshold = DefaultGapThreshold
	}
	return &GapDiarizer{threshold: threshold}
}

func (g *GapDiarizer) Name() string { return "gap" }

func (g *GapDiarizer) Diarize(ctx context.Context, audio pipeline.Audio, transcript pipeline.Transcript, progress pipeline.Progress) ([]pipeline.Interval, error) {
	segments := transcript.Segments
	if len(segments) == 0 {
		return nil, pipeline.Insufficient("発話が検出されなかったため話者を識別できません")
	}

	intervals := make([]pipeline.Interval, 0, len(segments))
	speaker := 0
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i > 0 && seg.Start-segments[i-1].End > g.threshold {
			speaker = 1 - speaker
		}
		intervals = append(intervals, pipeline.Interval{
			Speaker: pipeline.SpeakerLabel(speaker),
			Start:   seg.Start,
			End:     seg.End,
		})
	}
	report(progress, 1)
	return intervals, nil
}
