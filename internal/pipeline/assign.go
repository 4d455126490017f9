package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

const minIntervalSeconds = 0.01

// SpeakerLabel は n 番目に登場した話者のラベルを返します。
func SpeakerLabel(n int) string {
	return fmt.Sprintf("SPEAKER_%02d", n)
}

// NormalizeIntervals は話者区間を音声長に収め、重なりを取り除いた排他的なタイムラインにします。
// 同じ話者の隣接区間は結合し、ラベルは登場順に SPEAKER_00 から振り直します。
func NormalizeIntervals(intervals []Interval, duration float64) []Interval {
	clean := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		iv.Start = clampTime(iv.Start, duration)
		iv.End = clampTime(iv.End, duration)
		if strings.TrimSpace(iv.Speaker) == "" || iv.Duration() < minIntervalSeconds {
			continue
		}
		clean = append(clean, iv)
	}
	sort.SliceStable(clean, func(i, j int) bool {
		if clean[i].Start == clean[j].Start {
			return clean[i].End > clean[j].End
		}
		return clean[i].Start < clean[j].Start
	})

	var timeline []Interval
	for _, iv := range clean {
		if n := len(timeline); n > 0 {
			last := &timeline[n-1]
			if iv.Start < last.End {
				// 重なった部分は先に始まった話者に割り当てます。
				iv.Start = last.End
			}
			if iv.Duration() < minIntervalSeconds {
				continue
			}
			if iv.Speaker == last.Speaker && iv.Start-last.End < minIntervalSeconds {
				last.End = iv.End
				continue
			}
		}
		timeline = append(timeline, iv)
	}

	labels := map[string]string{}
	for i := range timeline {
		label, ok := labels[timeline[i].Speaker]
		if !ok {
			label = SpeakerLabel(len(labels))
			labels[timeline[i].Speaker] = label
		}
		timeline[i].Speaker = label
	}
	return timeline
}

// Speakers はタイムラインに現れる話者ラベルを登場順に返します。
func Speakers(timeline []Interval) []string {
	seen := map[string]bool{}
	var out []string
	for _, iv := range timeline {
		if !seen[iv.Speaker] {
			seen[iv.Speaker] = true
			out = append(out, iv.Speaker)
		}
	}
	return out
}

// IntervalsBySpeaker は話者ごとに区間をまとめます。
func IntervalsBySpeaker(timeline []Interval) map[string][]Interval {
	out := map[string][]Interval{}
	for _, iv := range timeline {
		out[iv.Speaker] = append(out[iv.Speaker], iv)
	}
	return out
}

// AssignSpeakers は各単語に最も重なりの大きい話者を割り当てます。
// どの区間とも重ならない単語は最も近い区間の話者とします。
// 区間の話者は単語の発話時間が最も長い話者です。
func AssignSpeakers(t *Transcript, timeline []Interval) {
	if len(timeline) == 0 {
		return
	}
	for si := range t.Segments {
		seg := &t.Segments[si]
		weights := map[string]float64{}
		for wi := range seg.Words {
			w := &seg.Words[wi]
			w.Speaker = speakerAt(timeline, w.Start, w.End)
			weights[w.Speaker] += math.Max(w.End-w.Start, minIntervalSeconds)
		}
		if len(seg.Words) == 0 {
			seg.Speaker = speakerAt(timeline, seg.Start, seg.End)
			continue
		}
		seg.Speaker = heaviest(weights, timeline)
	}
}

// WordCounts は話者ごとの単語数を返します。
func WordCounts(t Transcript) map[string]int {
	counts := map[string]int{}
	for _, seg := range t.Segments {
		if len(seg.Words) == 0 {
			if seg.Speaker != "" {
				counts[seg.Speaker] += len(strings.Fields(seg.Text))
			}
			continue
		}
		for _, w := range seg.Words {
			if w.Speaker != "" {
				counts[w.Speaker]++
			}
		}
	}
	return counts
}

func speakerAt(timeline []Interval, start, end float64) string {
	best := ""
	bestOverlap := 0.0
	for _, iv := range timeline {
		overlap := math.Min(end, iv.End) - math.Max(start, iv.Start)
		if overlap > bestOverlap {
			best = iv.Speaker
			bestOverlap = overlap
		}
	}
	if best != "" {
		return best
	}

	mid := (start + end) / 2
	bestDist := math.Inf(1)
	for _, iv := range timeline {
		var dist float64
		switch {
		case mid < iv.Start:
			dist = iv.Start - mid
		case mid > iv.End:
			dist = mid - iv.End
		}
		if dist < bestDist {
			best = iv.Speaker
			bestDist = dist
		}
	}
	return best
}

// heaviest は重みが最大の話者を返します。同点の場合は先に登場した話者を優先します。
func heaviest(weights map[string]float64, timeline []Interval) string {
	best := ""
	bestWeight := -1.0
	for _, speaker := range Speakers(timeline) {
		if w, ok := weights[speaker]; ok && w > bestWeight {
			best = speaker
			bestWeight = w
		}
	}
	return best
}
