package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/speaker-forge/internal/pipeline"
)

// fakeRunner はコマンド実行を差し替えます。
type fakeRunner struct {
	calls []fakeCall
	run   func(ctx context.Context, name string, args ...string) (commandResult, error)
}

type fakeCall struct {
	name string
	args []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	f.calls = append(f.calls, fakeCall{name: name, args: append([]string{}, args...)})
	if f.run == nil {
		return commandResult{}, nil
	}
	return f.run(ctx, name, args...)
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

var errExit = errors.New("exit status 1")

func TestFFmpegConvert(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.mp3")
	output := filepath.Join(dir, "audio.wav")
	mustWriteFile(t, input, "mp3")

	runner := &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
		mustWriteFile(t, args[len(args)-1], "wav")
		return commandResult{}, nil
	}}
	f := NewFFmpeg("ffmpeg-custom", "")
	f.runner = runner

	err := f.Convert(context.Background(), input, output, pipeline.Format{SampleRate: 16000, Channels: 1})
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Equal(t, "ffmpeg-custom", call.name)
	assert.Equal(t, input, argValue(call.args, "-i"))
	assert.Equal(t, "16000", argValue(call.args, "-ar"))
	assert.Equal(t, "1", argValue(call.args, "-ac"))
	assert.Equal(t, "pcm_s16le", argValue(call.args, "-c:a"))
	assert.Contains(t, call.args, "-vn")
	assert.Equal(t, output, call.args[len(call.args)-1])
}

func TestFFmpegConvertClassifiesFailures(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.bin")
	mustWriteFile(t, input, "garbage")
	format := pipeline.Format{SampleRate: 16000, Channels: 1}

	tests := []struct {
		name   string
		stderr string
		err    error
		want   pipeline.Kind
	}{
		{name: "invalid data", stderr: "input.bin: Invalid data found when processing input", err: errExit, want: pipeline.KindInput},
		{name: "no stream", stderr: "Output file #0 does not contain any stream", err: errExit, want: pipeline.KindInput},
		{name: "other failure", stderr: "Conversion failed!", err: errExit, want: pipeline.KindIO},
		{name: "missing binary", err: exec.ErrNotFound, want: pipeline.KindCapabilityUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFFmpeg("ffmpeg", "ffprobe")
			f.runner = &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
				return commandResult{Stderr: tt.stderr, ExitCode: 1}, tt.err
			}}
			err := f.Convert(context.Background(), input, filepath.Join(dir, "out.wav"), format)
			require.Error(t, err)
			assert.Equal(t, tt.want, pipeline.KindOf(err))
		})
	}

	t.Run("missing input", func(t *testing.T) {
		f := NewFFmpeg("ffmpeg", "ffprobe")
		f.runner = &fakeRunner{}
		err := f.Convert(context.Background(), filepath.Join(dir, "nope.mp3"), filepath.Join(dir, "out.wav"), format)
		assert.Equal(t, pipeline.KindInput, pipeline.KindOf(err))
	})
}

func TestFFmpegProbe(t *testing.T) {
	f := NewFFmpeg("ffmpeg", "ffprobe-custom")
	runner := &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
		return commandResult{Stdout: "30.016000\n"}, nil
	}}
	f.runner = runner

	d, err := f.Probe(context.Background(), "/tmp/audio.wav")
	require.NoError(t, err)
	assert.InDelta(t, 30.016, d, 1e-9)
	assert.Equal(t, "ffprobe-custom", runner.calls[0].name)
	assert.Equal(t, "format=duration", argValue(runner.calls[0].args, "-show_entries"))

	f.runner = &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
		return commandResult{Stdout: "N/A\n"}, nil
	}}
	_, err = f.Probe(context.Background(), "/tmp/audio.wav")
	assert.Equal(t, pipeline.KindInput, pipeline.KindOf(err))

	f.runner = &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
		return commandResult{}, exec.ErrNotFound
	}}
	_, err = f.Probe(context.Background(), "/tmp/audio.wav")
	assert.Equal(t, pipeline.KindCapabilityUnavailable, pipeline.KindOf(err))
}

func TestFFmpegExtractIntervals(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "SPEAKER_00.wav")
	f := NewFFmpeg("ffmpeg", "ffprobe")
	runner := &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
		mustWriteFile(t, args[len(args)-1], string(make([]byte, 1024)))
		return commandResult{}, nil
	}}
	f.runner = runner

	intervals := []pipeline.Interval{
		{Speaker: "SPEAKER_00", Start: 0, End: 1.5},
		{Speaker: "SPEAKER_00", Start: 3.25, End: 4.0625},
	}
	require.NoError(t, f.ExtractIntervals(context.Background(), "/w/audio.wav", out, intervals))
	args := runner.calls[0].args
	assert.Equal(t,
		"[0:a]asplit=2[a0][a1]"+
			";[a0]atrim=start=0.000000:end=1.500000,asetpts=PTS-STARTPTS[s0]"+
			";[a1]atrim=start=3.250000:end=4.062500,asetpts=PTS-STARTPTS[s1]"+
			";[s0][s1]concat=n=2:v=0:a=1[out]",
		argValue(args, "-filter_complex"))
	assert.Equal(t, "[out]", argValue(args, "-map"))
	assert.Equal(t, "pcm_s16le", argValue(args, "-c:a"))
	assert.NotContains(t, args, "-af")
	assert.Equal(t, out, args[len(args)-1])

	err := f.ExtractIntervals(context.Background(), "/w/audio.wav", out, nil)
	assert.Equal(t, pipeline.KindIO, pipeline.KindOf(err))
	assert.Len(t, runner.calls, 1)
}

func TestTrimFilterSingleInterval(t *testing.T) {
	got := trimFilter([]pipeline.Interval{{Speaker: "SPEAKER_01", Start: 12.0004, End: 12.05}})
	assert.Equal(t,
		"[0:a]asplit=1[a0];[a0]atrim=start=12.000400:end=12.050000,asetpts=PTS-STARTPTS[s0];[s0]concat=n=1:v=0:a=1[out]",
		got)
}

func TestFFmpegExtractIntervalsFailuresAreIO(t *testing.T) {
	dir := t.TempDir()
	intervals := []pipeline.Interval{{Speaker: "SPEAKER_00", Start: 1, End: 1.02}}

	tests := []struct {
		name string
		run  func(ctx context.Context, name string, args ...string) (commandResult, error)
	}{
		{
			name: "missing binary",
			run: func(context.Context, string, ...string) (commandResult, error) {
				return commandResult{}, exec.ErrNotFound
			},
		},
		{
			name: "command failed",
			run: func(context.Context, string, ...string) (commandResult, error) {
				return commandResult{Stderr: "Error while filtering", ExitCode: 1}, errExit
			},
		},
		{
			name: "no output",
			run: func(context.Context, string, ...string) (commandResult, error) {
				return commandResult{}, nil
			},
		},
		{
			name: "header only",
			run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
				mustWriteFile(t, args[len(args)-1], string(make([]byte, wavHeaderBytes)))
				return commandResult{}, nil
			},
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFFmpeg("ffmpeg", "ffprobe")
			f.runner = &fakeRunner{run: tt.run}
			out := filepath.Join(dir, fmt.Sprintf("out-%d.wav", i))
			err := f.ExtractIntervals(context.Background(), "/w/audio.wav", out, intervals)
			require.Error(t, err)
			assert.Equal(t, pipeline.KindIO, pipeline.KindOf(err))
		})
	}
}
