// Package pipeline は音声ジョブを工程順に実行するオーケストレーターと、
// 工程が依存するエンジンのインターフェースを提供します。
package pipeline

import "context"

// Format は変換後の正規化音声の形式です。
type Format struct {
	SampleRate int
	Channels   int
}

// Audio は正規化済みの音声ファイルです。
type Audio struct {
	Path            string
	DurationSeconds float64
	Format          Format
}

// Word は単語単位の発話です。時刻は音声先頭からの秒数です。
type Word struct {
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker,omitempty"`
}

// Segment は文字起こしの1区間です。
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
	Words   []Word  `json:"words,omitempty"`
}

// Transcript は時刻付きの文字起こし結果です。
type Transcript struct {
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments"`
}

// Interval は1人の話者が話している時間区間です。
type Interval struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Duration は区間の長さ（秒）です。
func (i Interval) Duration() float64 {
	if i.End <= i.Start {
		return 0
	}
	return i.End - i.Start
}

// Progress は工程内の進み具合を 0〜1 で通知します。
type Progress func(fraction float64)

func (p Progress) report(fraction float64) {
	if p == nil {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	p(fraction)
}

// Codec は音声の変換・計測・切り出しを行います。
type Codec interface {
	Convert(ctx context.Context, inputPath, outputPath string, format Format) error
	Probe(ctx context.Context, path string) (float64, error)
	ExtractIntervals(ctx context.Context, inputPath, outputPath string, intervals []Interval) error
}

// Transcriber は音声を文字起こしします。
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio Audio, progress Progress) (Transcript, error)
}

// Diarizer は音声を話者ごとの区間に分割します。
type Diarizer interface {
	Name() string
	Diarize(ctx context.Context, audio Audio, transcript Transcript, progress Progress) ([]Interval, error)
}
