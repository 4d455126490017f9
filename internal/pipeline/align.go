package pipeline

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Align は文字起こし結果を時刻順に並べ、音声長の範囲に収め、単語単位の時刻を揃えます。
// エンジンが単語時刻を返さない区間は、文字数に比例して区間内に割り当てます。
func Align(t Transcript, duration float64) Transcript {
	out := Transcript{Language: t.Language, Segments: make([]Segment, 0, len(t.Segments))}
	for _, seg := range t.Segments {
		seg.Text = strings.TrimSpace(seg.Text)
		if seg.Text == "" {
			continue
		}
		seg.Start = clampTime(seg.Start, duration)
		seg.End = clampTime(seg.End, duration)
		if seg.End < seg.Start {
			seg.End = seg.Start
		}
		seg.Words = alignWords(seg)
		out.Segments = append(out.Segments, seg)
	}
	sort.SliceStable(out.Segments, func(i, j int) bool {
		return out.Segments[i].Start < out.Segments[j].Start
	})
	return out
}

func alignWords(seg Segment) []Word {
	var words []Word
	for _, w := range seg.Words {
		w.Text = strings.TrimSpace(w.Text)
		if w.Text == "" {
			continue
		}
		words = append(words, w)
	}
	if len(words) == 0 {
		return interpolateWords(seg)
	}

	for i := range words {
		w := &words[i]
		if w.End <= w.Start {
			// 時刻が欠けた単語は直前の単語の終わりから始まるものとします。
			if i > 0 {
				w.Start = words[i-1].End
			} else {
				w.Start = seg.Start
			}
			w.End = w.Start
		}
		w.Start = clampRange(w.Start, seg.Start, seg.End)
		w.End = clampRange(w.End, w.Start, seg.End)
	}
	return words
}

func interpolateWords(seg Segment) []Word {
	fields := strings.Fields(seg.Text)
	if len(fields) == 0 {
		return nil
	}
	total := 0
	for _, f := range fields {
		total += utf8.RuneCountInString(f)
	}
	span := seg.End - seg.Start
	words := make([]Word, len(fields))
	cursor := seg.Start
	for i, f := range fields {
		length := span * float64(utf8.RuneCountInString(f)) / float64(total)
		end := cursor + length
		if i == len(fields)-1 {
			end = seg.End
		}
		words[i] = Word{Text: f, Start: cursor, End: end}
		cursor = end
	}
	return words
}

func clampTime(t, duration float64) float64 {
	if t < 0 {
		return 0
	}
	if duration > 0 && t > duration {
		return duration
	}
	return t
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
