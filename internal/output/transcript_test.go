package output

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocument() *Document {
	return &Document{
		JobID:            "0b4c9a9e-3b1f-4a55-9d57-2f5d8f3c1a10",
		OriginalFilename: "weekly.mp3",
		Language:         "ja",
		DurationSeconds:  3725,
		GeneratedAt:      time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		Speakers: []Speaker{
			{Label: "SPEAKER_00", DisplayLabel: "Host", DurationSeconds: 61.5, WordCount: 120, AudioFile: "SPEAKER_00.wav"},
			{Label: "SPEAKER_01", DurationSeconds: 30, WordCount: 45, AudioFile: "SPEAKER_01.wav"},
		},
		Segments: []Segment{
			{Start: 0, End: 4.2, Speaker: "SPEAKER_00", Text: " Welcome everyone "},
			{Start: 5, End: 9.9, Speaker: "SPEAKER_01", Text: "Thanks for having me"},
		},
	}
}

func TestRenderMarkdown(t *testing.T) {
	md := RenderMarkdown(sampleDocument())

	assert.True(t, strings.HasPrefix(md, "# Transcript: weekly.mp3\n"))
	assert.Contains(t, md, "- Duration: 01:02:05\n")
	assert.Contains(t, md, "| Host | 01:01 | 120 | `SPEAKER_00.wav` |")
	assert.Contains(t, md, "| SPEAKER_01 | 00:30 | 45 | `SPEAKER_01.wav` |")
	assert.Contains(t, md, "[00:00-00:04] **Host**: Welcome everyone\n")
	assert.Contains(t, md, "[00:05-00:09] **SPEAKER_01**: Thanks for having me\n")
}

func TestWriteJSONAndMarkdown(t *testing.T) {
	dir := t.TempDir()
	doc := sampleDocument()

	jsonPath := filepath.Join(dir, JSONFilename)
	require.NoError(t, WriteJSON(jsonPath, doc))
	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)

	var decoded Document
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, doc.JobID, decoded.JobID)
	assert.Len(t, decoded.Speakers, 2)
	assert.Len(t, decoded.Segments, 2)

	mdPath := filepath.Join(dir, MarkdownFilename)
	require.NoError(t, WriteMarkdown(mdPath, doc))
	md, err := os.ReadFile(mdPath)
	require.NoError(t, err)
	assert.Equal(t, RenderMarkdown(doc), string(md))

	assert.Error(t, WriteJSON(filepath.Join(dir, "missing", JSONFilename), doc))
	assert.Error(t, WriteJSON(jsonPath, nil))
}

func TestSecToTS(t *testing.T) {
	assert.Equal(t, "00:00", secToTS(0))
	assert.Equal(t, "01:30", secToTS(90.4))
	assert.Equal(t, "02:00:00", secToTS(7200))
}
