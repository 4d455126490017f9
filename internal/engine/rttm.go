package engine

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/yourusername/speaker-forge/internal/pipeline"
)

// RTTMDiarizer は外部の話者分離コマンドを実行し、標準出力の RTTM を読み取る Diarizer です。
// コマンドは `<command> --audio <path> --min-speakers N --max-speakers M` の形で呼び出されます。
type RTTMDiarizer struct {
	command     []string
	minSpeakers int
	maxSpeakers int
	runner      commandRunner
}

var _ pipeline.Diarizer = (*RTTMDiarizer)(nil)

// NewRTTMDiarizer は RTTMDiarizer を作成します。command は空白区切りで引数を含められます。
func NewRTTMDiarizer(command string, minSpeakers, maxSpeakers int) *RTTMDiarizer {
	return &RTTMDiarizer{
		command:     strings.Fields(command),
		minSpeakers: minSpeakers,
		maxSpeakers: maxSpeakers,
		runner:      &execRunner{},
	}
}

func (d *RTTMDiarizer) Name() string { return "rttm" }

func (d *RTTMDiarizer) Diarize(ctx context.Context, audio pipeline.Audio, transcript pipeline.Transcript, progress pipeline.Progress) ([]pipeline.Interval, error) {
	if len(d.command) == 0 {
		return nil, pipeline.Unavailable(nil, "話者分離コマンドが設定されていません")
	}
	report(progress, 0.05)

	args := append([]string{}, d.command[1:]...)
	args = append(args, "--audio", audio.Path)
	if d.minSpeakers > 0 {
		args = append(args, "--min-speakers", strconv.Itoa(d.minSpeakers))
	}
	if d.maxSpeakers > 0 {
		args = append(args, "--max-speakers", strconv.Itoa(d.maxSpeakers))
	}

	res, err := d.runner.Run(ctx, d.command[0], args...)
	if err != nil {
		if isMissingBinary(err) {
			return nil, pipeline.Unavailable(err, "話者分離コマンドが見つかりません")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, pipeline.Transient(err, "話者分離に失敗しました: %s", stderrTail(res))
	}
	report(progress, 0.9)

	intervals, err := ParseRTTM(res.Stdout)
	if err != nil {
		return nil, pipeline.Transient(err, "話者分離の出力を解釈できません")
	}
	report(progress, 1)
	return intervals, nil
}

// ParseRTTM は RTTM の SPEAKER 行を区間に変換します。
// 書式: SPEAKER <file> <chan> <start> <duration> <NA> <NA> <speaker> <NA> <NA>
func ParseRTTM(data string) ([]pipeline.Interval, error) {
	var intervals []pipeline.Interval
	scanner := bufio.NewScanner(strings.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "SPEAKER" {
			continue
		}
		if len(fields) < 8 {
			return nil, fmt.Errorf("line %d: expected at least 8 fields, got %d", line, len(fields))
		}
		start, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid start %q: %w", line, fields[3], err)
		}
		duration, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid duration %q: %w", line, fields[4], err)
		}
		if duration <= 0 {
			continue
		}
		intervals = append(intervals, pipeline.Interval{
			Speaker: fields[7],
			Start:   start,
			End:     start + duration,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return intervals, nil
}
