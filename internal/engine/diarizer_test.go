package engine

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/speaker-forge/internal/pipeline"
)

func TestGapDiarizer(t *testing.T) {
	transcript := pipeline.Transcript{Segments: []pipeline.Segment{
		{Start: 0, End: 3, Text: "a"},
		{Start: 3.5, End: 6, Text: "b"},
		{Start: 9, End: 12, Text: "c"},
		{Start: 12.5, End: 14, Text: "d"},
		{Start: 20, End: 22, Text: "e"},
	}}

	intervals, err := NewGapDiarizer(0).Diarize(context.Background(), pipeline.Audio{}, transcript, nil)
	require.NoError(t, err)
	speakers := make([]string, 0, len(intervals))
	for _, iv := range intervals {
		speakers = append(speakers, iv.Speaker)
	}
	assert.Equal(t, []string{"SPEAKER_00", "SPEAKER_00", "SPEAKER_01", "SPEAKER_01", "SPEAKER_00"}, speakers)
	assert.Equal(t, pipeline.Interval{Speaker: "SPEAKER_01", Start: 9, End: 12}, intervals[2])

	single := pipeline.Transcript{Segments: []pipeline.Segment{{Start: 5, End: 8, Text: "only"}}}
	intervals, err = NewGapDiarizer(0).Diarize(context.Background(), pipeline.Audio{}, single, nil)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Interval{{Speaker: "SPEAKER_00", Start: 5, End: 8}}, intervals)

	_, err = NewGapDiarizer(0).Diarize(context.Background(), pipeline.Audio{}, pipeline.Transcript{}, nil)
	assert.Equal(t, pipeline.KindInsufficientAudio, pipeline.KindOf(err))
}

func TestParseRTTM(t *testing.T) {
	data := `;; comment
SPEAKER audio 1 0.000 4.500 <NA> <NA> spk_a <NA> <NA>
SPEAKER audio 1 4.500 0.000 <NA> <NA> spk_b <NA> <NA>

SPEAKER audio 1 5.250 2.750 <NA> <NA> spk_b <NA> <NA>
`
	intervals, err := ParseRTTM(data)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Interval{
		{Speaker: "spk_a", Start: 0, End: 4.5},
		{Speaker: "spk_b", Start: 5.25, End: 8},
	}, intervals)

	_, err = ParseRTTM("SPEAKER audio 1 abc 1.0 <NA> <NA> spk_a")
	assert.Error(t, err)
	_, err = ParseRTTM("SPEAKER audio 1 0.0")
	assert.Error(t, err)
}

func TestRTTMDiarizer(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
		return commandResult{Stdout: "SPEAKER audio 1 1.0 2.0 <NA> <NA> A <NA> <NA>\n"}, nil
	}}
	d := NewRTTMDiarizer("python3 /opt/diarize.py --model pyannote", 1, 4)
	d.runner = runner

	intervals, err := d.Diarize(context.Background(), pipeline.Audio{Path: "/w/audio.wav"}, pipeline.Transcript{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Interval{{Speaker: "A", Start: 1, End: 3}}, intervals)

	call := runner.calls[0]
	assert.Equal(t, "python3", call.name)
	assert.Equal(t, []string{
		"/opt/diarize.py", "--model", "pyannote",
		"--audio", "/w/audio.wav",
		"--min-speakers", "1",
		"--max-speakers", "4",
	}, call.args)
}

func TestRTTMDiarizerFailures(t *testing.T) {
	audio := pipeline.Audio{Path: "/w/audio.wav"}

	_, err := NewRTTMDiarizer("  ", 1, 2).Diarize(context.Background(), audio, pipeline.Transcript{}, nil)
	assert.Equal(t, pipeline.KindCapabilityUnavailable, pipeline.KindOf(err))

	d := NewRTTMDiarizer("diarize", 0, 0)
	d.runner = &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
		return commandResult{}, exec.ErrNotFound
	}}
	_, err = d.Diarize(context.Background(), audio, pipeline.Transcript{}, nil)
	assert.Equal(t, pipeline.KindCapabilityUnavailable, pipeline.KindOf(err))

	d.runner = &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
		return commandResult{Stderr: "model download failed", ExitCode: 2}, errExit
	}}
	_, err = d.Diarize(context.Background(), audio, pipeline.Transcript{}, nil)
	assert.Equal(t, pipeline.KindTransient, pipeline.KindOf(err))

	d.runner = &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
		return commandResult{Stdout: "SPEAKER x 1 bad 1 <NA> <NA> A"}, nil
	}}
	_, err = d.Diarize(context.Background(), audio, pipeline.Transcript{}, nil)
	assert.Equal(t, pipeline.KindTransient, pipeline.KindOf(err))
}
