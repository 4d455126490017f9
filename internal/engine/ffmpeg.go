package engine

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/yourusername/speaker-forge/internal/pipeline"
)

// 入力音声そのものが読めないことを示す ffmpeg のメッセージです。
var unsupportedInputMarkers = []string{
	"Invalid data found when processing input",
	"does not contain any stream",
	"could not find codec parameters",
	"Unknown input format",
	"no such file or directory",
}

// FFmpeg は ffmpeg / ffprobe を使う Codec です。
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	runner      commandRunner
}

var _ pipeline.Codec = (*FFmpeg)(nil)

// NewFFmpeg は FFmpeg を作成します。
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, runner: &execRunner{}}
}

// Convert は入力を PCM WAV に変換します。
func (f *FFmpeg) Convert(ctx context.Context, inputPath, outputPath string, format pipeline.Format) error {
	if _, err := os.Stat(inputPath); err != nil {
		return pipeline.InvalidInput(err, "入力ファイルを読み込めません")
	}
	args := buildConvertArgs(inputPath, outputPath, format)
	res, err := f.runner.Run(ctx, f.ffmpegPath, args...)
	if err != nil {
		return f.classify(res, err, "音声の変換に失敗しました")
	}
	if _, err := os.Stat(outputPath); err != nil {
		return pipeline.IOError(pipeline.CodeCodecFailure, err, "変換後の音声ファイルが作成されませんでした")
	}
	return nil
}

// Probe は音声の長さ（秒）を返します。
func (f *FFmpeg) Probe(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
	res, err := f.runner.Run(ctx, f.ffprobePath, args...)
	if err != nil {
		if isMissingBinary(err) {
			return 0, pipeline.Unavailable(err, "ffprobe が見つかりません")
		}
		return 0, pipeline.IOError(pipeline.CodeCodecFailure, err, "音声の長さを取得できませんでした: %s", stderrTail(res))
	}
	raw := strings.TrimSpace(res.Stdout)
	if raw == "" || raw == "N/A" {
		return 0, pipeline.InvalidInput(nil, "音声の長さを判定できません")
	}
	duration, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, pipeline.IOError(pipeline.CodeCodecFailure, err, "ffprobe の出力を解釈できません: %q", raw)
	}
	return duration, nil
}

// wavHeaderBytes は PCM WAV のヘッダー長です。これ以下の出力は音声を含みません。
const wavHeaderBytes = 44

// ExtractIntervals は指定区間だけをサンプル単位で切り出して連結した音声を書き出します。
// 失敗はすべて IOFailure です。
func (f *FFmpeg) ExtractIntervals(ctx context.Context, inputPath, outputPath string, intervals []pipeline.Interval) error {
	if len(intervals) == 0 {
		return pipeline.IOError(pipeline.CodeCodecFailure, nil, "切り出す区間がありません")
	}
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-filter_complex", trimFilter(intervals),
		"-map", "[out]",
		"-c:a", "pcm_s16le",
		"-f", "wav",
		outputPath,
	}
	res, err := f.runner.Run(ctx, f.ffmpegPath, args...)
	if err != nil {
		if isMissingBinary(err) {
			return pipeline.IOError(pipeline.CodeCodecFailure, err, "ffmpeg が見つからないため話者音声を書き出せません")
		}
		return pipeline.IOError(pipeline.CodeCodecFailure, err, "話者音声の書き出しに失敗しました: %s", stderrTail(res))
	}
	info, err := os.Stat(outputPath)
	if err != nil {
		return pipeline.IOError(pipeline.CodeCodecFailure, err, "話者音声のファイルが作成されませんでした")
	}
	if info.Size() <= wavHeaderBytes {
		return pipeline.IOError(pipeline.CodeCodecFailure, nil, "話者音声が空です（%d バイト）", info.Size())
	}
	return nil
}

func (f *FFmpeg) classify(res commandResult, err error, message string) error {
	if isMissingBinary(err) {
		return pipeline.Unavailable(err, "ffmpeg が見つかりません")
	}
	stderr := strings.ToLower(res.Stderr)
	for _, marker := range unsupportedInputMarkers {
		if strings.Contains(stderr, strings.ToLower(marker)) {
			return pipeline.InvalidInput(err, "対応していない音声形式です: %s", stderrTail(res))
		}
	}
	return pipeline.IOError(pipeline.CodeCodecFailure, err, "%s: %s", message, stderrTail(res))
}

func buildConvertArgs(inputPath, outputPath string, format pipeline.Format) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		outputPath,
	}
}

// trimFilter は区間ごとに atrim で切り出し、concat で連結するフィルタグラフを作ります。
// atrim はサンプル単位で切るため、区間の境界で他の話者の音声が混ざりません。
func trimFilter(intervals []pipeline.Interval) string {
	n := len(intervals)
	var b strings.Builder
	fmt.Fprintf(&b, "[0:a]asplit=%d", n)
	for i := range intervals {
		fmt.Fprintf(&b, "[a%d]", i)
	}
	for i, iv := range intervals {
		fmt.Fprintf(&b, ";[a%d]atrim=start=%.6f:end=%.6f,asetpts=PTS-STARTPTS[s%d]", i, iv.Start, iv.End, i)
	}
	b.WriteString(";")
	for i := range intervals {
		fmt.Fprintf(&b, "[s%d]", i)
	}
	fmt.Fprintf(&b, "concat=n=%d:v=0:a=1[out]", n)
	return b.String()
}
