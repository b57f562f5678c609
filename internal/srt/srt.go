// Package srt parses SubRip subtitle files and removes the runaway
// repetition whisper sometimes produces on silence or music: the same line
// emitted dozens of times in a row. Runs of consecutive near-identical
// entries at or above a threshold are collapsed to their first entry and the
// survivors renumbered.
package srt

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Entry is a single subtitle cue.
type Entry struct {
	Index int
	Start string
	End   string
	Text  string
}

func (e Entry) String() string {
	return fmt.Sprintf("%d\n%s --> %s\n%s\n", e.Index, e.Start, e.End, e.Text)
}

// entryPattern matches one SRT cue: index line, timestamp line, then text up
// to the next blank line or cue header.
var entryPattern = regexp.MustCompile(
	`(?s)(\d+)\s*\n` +
		`(\d{2}:\d{2}:\d{2},\d{3})\s*-->\s*(\d{2}:\d{2}:\d{2},\d{3})\s*\n` +
		`(.*?)(?:\n\s*\n|\z)`)

// Parse extracts the cues from SRT content. Entries with empty text are
// dropped; malformed stretches between valid cues are skipped rather than
// failing the whole file, since whisper output is not always pristine.
func Parse(content string) []Entry {
	content = strings.ReplaceAll(content, "\r\n", "\n")

	var entries []Entry
	for _, m := range entryPattern.FindAllStringSubmatch(content, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		text := strings.TrimSpace(m[4])
		if text == "" {
			continue
		}
		entries = append(entries, Entry{
			Index: idx,
			Start: m[2],
			End:   m[3],
			Text:  text,
		})
	}
	return entries
}

// Format renders entries back to SRT text.
func Format(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.String())
		b.WriteString("\n")
	}
	return b.String()
}

var spaceRun = regexp.MustCompile(`\s+`)

// normalize prepares a cue text for comparison: whitespace collapsed,
// lowercased. Punctuation is kept so genuinely different lines survive.
func normalize(text string) string {
	return strings.ToLower(spaceRun.ReplaceAllString(strings.TrimSpace(text), " "))
}

// DefaultRepeatThreshold is the minimum run length treated as runaway
// repetition.
const DefaultRepeatThreshold = 3

// CleanReport summarises what a cleaning pass did.
type CleanReport struct {
	// Total is the number of entries before cleaning.
	Total int

	// Removed is the number of entries dropped.
	Removed int

	// Runs lists the normalized texts of collapsed runs, one per run.
	Runs []string
}

// Clean collapses runs of threshold or more consecutive entries with equal
// normalized text down to the run's first entry, then renumbers the
// survivors starting at 1. A threshold below 2 falls back to
// [DefaultRepeatThreshold].
func Clean(entries []Entry, threshold int) ([]Entry, CleanReport) {
	if threshold < 2 {
		threshold = DefaultRepeatThreshold
	}
	report := CleanReport{Total: len(entries)}

	var cleaned []Entry
	for i := 0; i < len(entries); {
		run := 1
		norm := normalize(entries[i].Text)
		for i+run < len(entries) && normalize(entries[i+run].Text) == norm {
			run++
		}

		cleaned = append(cleaned, entries[i])
		if run >= threshold {
			report.Removed += run - 1
			report.Runs = append(report.Runs, norm)
		} else {
			cleaned = append(cleaned, entries[i+1:i+run]...)
		}
		i += run
	}

	for i := range cleaned {
		cleaned[i].Index = i + 1
	}
	return cleaned, report
}
