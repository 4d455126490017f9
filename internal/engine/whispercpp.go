package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourusername/speaker-forge/internal/pipeline"
)

// WhisperCpp は whisper.cpp の CLI を使う Transcriber です。
// 単語単位の時刻は返さないため、区間単位の文字起こしになります。
type WhisperCpp struct {
	path     string
	model    string
	language string
	runner   commandRunner
}

var _ pipeline.Transcriber = (*WhisperCpp)(nil)

// NewWhisperCpp は WhisperCpp を作成します。
func NewWhisperCpp(path, model, language string) *WhisperCpp {
	return &WhisperCpp{path: path, model: model, language: language, runner: &execRunner{}}
}

func (w *WhisperCpp) Name() string { return "whisper.cpp" }

type whisperCppOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func (w *WhisperCpp) Transcribe(ctx context.Context, audio pipeline.Audio, progress pipeline.Progress) (pipeline.Transcript, error) {
	if w.path == "" || w.model == "" {
		return pipeline.Transcript{}, pipeline.Unavailable(nil, "whisper.cpp が設定されていません")
	}
	if _, err := os.Stat(w.model); err != nil {
		return pipeline.Transcript{}, pipeline.Unavailable(err, "whisper.cpp のモデルが見つかりません")
	}
	report(progress, 0.05)

	prefix := filepath.Join(filepath.Dir(audio.Path), "whispercpp")
	res, err := w.runner.Run(ctx, w.path, buildWhisperCppArgs(w.model, audio.Path, prefix, w.language)...)
	if err != nil {
		if isMissingBinary(err) {
			return pipeline.Transcript{}, pipeline.Unavailable(err, "whisper.cpp が見つかりません")
		}
		if ctx.Err() != nil {
			return pipeline.Transcript{}, ctx.Err()
		}
		return pipeline.Transcript{}, pipeline.Transient(err, "whisper.cpp の実行に失敗しました: %s", stderrTail(res))
	}
	report(progress, 0.9)

	data, err := os.ReadFile(prefix + ".json")
	if err != nil {
		return pipeline.Transcript{}, pipeline.Transient(err, "whisper.cpp の出力が見つかりません")
	}
	transcript, err := parseWhisperCpp(data)
	if err != nil {
		return pipeline.Transcript{}, pipeline.Transient(err, "whisper.cpp の出力を解釈できません")
	}
	report(progress, 1)
	return transcript, nil
}

func buildWhisperCppArgs(model, audioPath, prefix, language string) []string {
	args := []string{
		"-m", model,
		"-f", audioPath,
		"-oj",
		"-of", prefix,
	}
	if lang := strings.TrimSpace(language); lang != "" {
		args = append(args, "-l", lang)
	}
	return args
}

func parseWhisperCpp(data []byte) (pipeline.Transcript, error) {
	var parsed whisperCppOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return pipeline.Transcript{}, err
	}
	tr := pipeline.Transcript{
		Language: parsed.Result.Language,
		Segments: make([]pipeline.Segment, 0, len(parsed.Transcription)),
	}
	for _, s := range parsed.Transcription {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		tr.Segments = append(tr.Segments, pipeline.Segment{
			Start: float64(s.Offsets.From) / 1000,
			End:   float64(s.Offsets.To) / 1000,
			Text:  text,
		})
	}
	return tr, nil
}
