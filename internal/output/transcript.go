// Package output は話者付き文字起こしの成果物（JSON / Markdown）を生成します。
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	JSONFilename     = "transcript.json"
	MarkdownFilename = "transcript.md"
)

// Document はジョブ1件分の文字起こし成果物です。
type Document struct {
	JobID            string    `json:"jobId"`
	OriginalFilename string    `json:"originalFilename,omitempty"`
	Language         string    `json:"language,omitempty"`
	DurationSeconds  float64   `json:"durationSeconds"`
	GeneratedAt      time.Time `json:"generatedAt"`
	Speakers         []Speaker `json:"speakers"`
	Segments         []Segment `json:"segments"`
}

// Speaker は話者ごとの集計です。
type Speaker struct {
	Label           string  `json:"label"`
	DisplayLabel    string  `json:"displayLabel"`
	DurationSeconds float64 `json:"durationSeconds"`
	WordCount       int     `json:"wordCount"`
	AudioFile       string  `json:"audioFile"`
}

// Segment は話者付きの発話区間です。
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker,omitempty"`
	Text    string  `json:"text"`
}

// WriteJSON はドキュメントを JSON で保存します。
func WriteJSON(path string, doc *Document) error {
	if doc == nil {
		return fmt.Errorf("document is nil")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		file.Close()
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return file.Close()
}

// WriteMarkdown はドキュメントを Markdown で保存します。
func WriteMarkdown(path string, doc *Document) error {
	if doc == nil {
		return fmt.Errorf("document is nil")
	}
	if err := os.WriteFile(path, []byte(RenderMarkdown(doc)), 0o640); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}

// RenderMarkdown は話者付きの文字起こしを Markdown にします。
func RenderMarkdown(doc *Document) string {
	var b strings.Builder
	if doc.OriginalFilename != "" {
		fmt.Fprintf(&b, "# Transcript: %s\n\n", doc.OriginalFilename)
	} else {
		b.WriteString("# Transcript\n\n")
	}

	fmt.Fprintf(&b, "- Job: `%s`\n", doc.JobID)
	if doc.Language != "" {
		fmt.Fprintf(&b, "- Language: `%s`\n", doc.Language)
	}
	if doc.DurationSeconds > 0 {
		fmt.Fprintf(&b, "- Duration: %s\n", secToTS(doc.DurationSeconds))
	}
	if !doc.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "- Generated: %s\n", doc.GeneratedAt.Format(time.RFC3339))
	}

	names := map[string]string{}
	if len(doc.Speakers) > 0 {
		b.WriteString("\n## Speakers\n\n")
		b.WriteString("| Speaker | Duration | Words | File |\n")
		b.WriteString("|---|---|---|---|\n")
		for _, s := range doc.Speakers {
			name := s.DisplayLabel
			if name == "" {
				name = s.Label
			}
			names[s.Label] = name
			fmt.Fprintf(&b, "| %s | %s | %d | `%s` |\n", name, secToTS(s.DurationSeconds), s.WordCount, s.AudioFile)
		}
	}
	b.WriteString("\n---\n\n")

	for _, s := range doc.Segments {
		ts := fmt.Sprintf("[%s-%s] ", secToTS(s.Start), secToTS(s.End))
		spk := ""
		if s.Speaker != "" {
			name := names[s.Speaker]
			if name == "" {
				name = s.Speaker
			}
			spk = "**" + name + "**: "
		}
		fmt.Fprintf(&b, "%s%s%s\n\n", ts, spk, strings.TrimSpace(s.Text))
	}
	return b.String()
}

func secToTS(sec float64) string {
	d := time.Duration(sec*1000) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
