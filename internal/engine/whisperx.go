package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourusername/speaker-forge/internal/pipeline"
)

// WhisperX は whisperx CLI を使う単語タイムスタンプ付きの Transcriber です。
type WhisperX struct {
	path     string
	model    string
	device   string
	language string
	runner   commandRunner
}

var _ pipeline.Transcriber = (*WhisperX)(nil)

// NewWhisperX は WhisperX を作成します。
func NewWhisperX(path, model, device, language string) *WhisperX {
	return &WhisperX{
		path:     path,
		model:    model,
		device:   device,
		language: language,
		runner:   &execRunner{},
	}
}

func (w *WhisperX) Name() string { return "whisperx" }

type whisperXOutput struct {
	Language string `json:"language"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
		Words []struct {
			Word  string   `json:"word"`
			Start *float64 `json:"start"`
			End   *float64 `json:"end"`
		} `json:"words"`
	} `json:"segments"`
}

// Transcribe は音声を文字起こしします。
func (w *WhisperX) Transcribe(ctx context.Context, audio pipeline.Audio, progress pipeline.Progress) (pipeline.Transcript, error) {
	if w.path == "" {
		return pipeline.Transcript{}, pipeline.Unavailable(nil, "WhisperX が設定されていません")
	}
	outDir := filepath.Join(filepath.Dir(audio.Path), "whisperx")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return pipeline.Transcript{}, pipeline.IOError(pipeline.CodeWriteFailure, err, "WhisperX の出力先を作成できませんでした")
	}
	report(progress, 0.05)

	res, err := w.runner.Run(ctx, w.path, w.buildArgs(audio.Path, outDir)...)
	if err != nil {
		if isMissingBinary(err) {
			return pipeline.Transcript{}, pipeline.Unavailable(err, "WhisperX が見つかりません")
		}
		if ctx.Err() != nil {
			return pipeline.Transcript{}, ctx.Err()
		}
		return pipeline.Transcript{}, pipeline.Transient(err, "WhisperX の実行に失敗しました: %s", stderrTail(res))
	}
	report(progress, 0.9)

	base := strings.TrimSuffix(filepath.Base(audio.Path), filepath.Ext(audio.Path))
	data, err := os.ReadFile(filepath.Join(outDir, base+".json"))
	if err != nil {
		return pipeline.Transcript{}, pipeline.Transient(err, "WhisperX の出力が見つかりません")
	}
	transcript, err := parseWhisperX(data)
	if err != nil {
		return pipeline.Transcript{}, pipeline.Transient(err, "WhisperX の出力を解釈できません")
	}
	if transcript.Language == "" && w.language != "auto" {
		transcript.Language = w.language
	}
	report(progress, 1)
	return transcript, nil
}

func (w *WhisperX) buildArgs(audioPath, outDir string) []string {
	args := []string{audioPath, "--output_dir", outDir, "--output_format", "json"}
	if w.model != "" {
		args = append(args, "--model", w.model)
	}
	if w.device != "" {
		args = append(args, "--device", w.device)
		if w.device == "cpu" {
			args = append(args, "--compute_type", "int8")
		}
	}
	if lang := strings.TrimSpace(w.language); lang != "" && lang != "auto" {
		args = append(args, "--language", lang)
	}
	return args
}

func parseWhisperX(data []byte) (pipeline.Transcript, error) {
	var parsed whisperXOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return pipeline.Transcript{}, err
	}
	tr := pipeline.Transcript{
		Language: parsed.Language,
		Segments: make([]pipeline.Segment, 0, len(parsed.Segments)),
	}
	for _, s := range parsed.Segments {
		seg := pipeline.Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)}
		for _, w := range s.Words {
			text := strings.TrimSpace(w.Word)
			if text == "" {
				continue
			}
			word := pipeline.Word{Text: text}
			// 数字などはタイムスタンプが付かないことがあります。Align で補完します。
			if w.Start != nil && w.End != nil {
				word.Start = *w.Start
				word.End = *w.End
			}
			seg.Words = append(seg.Words, word)
		}
		tr.Segments = append(tr.Segments, seg)
	}
	return tr, nil
}

// report は nil を許容して進捗を通知します。
func report(progress pipeline.Progress, fraction float64) {
	if progress != nil {
		progress(fraction)
	}
}
