// Package projection derives the conversation list and per-sender threads
// from a normalized message set. Every function is pure; callers recompute
// on each poll.
package projection

import (
	"sort"
	"time"

	"wa-inbox/internal/domain"
)

// DefaultZone is the zone used for day boundaries when none is configured.
const DefaultZone = "Asia/Kolkata"

// Summaries groups msgs by phone and returns one summary per sender, most
// recently active first. Within a group the first message carrying the
// highest timestamp wins; groups with equal timestamps keep first-seen order.
func Summaries(msgs []domain.Message) []domain.Summary {
	index := make(map[string]int)
	out := []domain.Summary{}
	for _, m := range msgs {
		i, ok := index[m.Phone]
		if !ok {
			index[m.Phone] = len(out)
			out = append(out, domain.Summary{Phone: m.Phone, LastText: m.Text, LastTimestamp: m.Timestamp})
			continue
		}
		if m.Timestamp > out[i].LastTimestamp {
			out[i].LastText = m.Text
			out[i].LastTimestamp = m.Timestamp
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].LastTimestamp > out[b].LastTimestamp
	})
	return out
}

type EntryKind int

const (
	EntryDivider EntryKind = iota
	EntryMessage
)

// Entry is one line of a thread: either a day divider or a message.
type Entry struct {
	Kind EntryKind
	// Day is midnight of the divider's calendar day in the thread's zone.
	Day     time.Time
	Message domain.Message
}

// Thread returns the messages of one sender in ascending timestamp order,
// with a divider ahead of the first message of every calendar day in loc.
// A nil loc means UTC.
func Thread(msgs []domain.Message, phone string, loc *time.Location) []Entry {
	if loc == nil {
		loc = time.UTC
	}
	selected := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Phone == phone {
			selected = append(selected, m)
		}
	}
	sort.SliceStable(selected, func(a, b int) bool {
		return selected[a].Timestamp < selected[b].Timestamp
	})

	out := make([]Entry, 0, len(selected)*2)
	var lastDay time.Time
	for i, m := range selected {
		day := startOfDay(time.Unix(m.Timestamp, 0), loc)
		if i == 0 || !day.Equal(lastDay) {
			out = append(out, Entry{Kind: EntryDivider, Day: day})
			lastDay = day
		}
		out = append(out, Entry{Kind: EntryMessage, Message: m})
	}
	return out
}

// DateLabel names the calendar day of ts relative to now: "Today",
// "Yesterday", or a date such as "25 Feb 2025".
func DateLabel(ts int64, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	day := startOfDay(time.Unix(ts, 0), loc)
	today := startOfDay(now, loc)
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	default:
		return day.Format("02 Jan 2006")
	}
}

// TimeLabel formats ts as a clock time when it falls on today, otherwise as
// a dd/mm/yyyy date.
func TimeLabel(ts int64, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	t := time.Unix(ts, 0).In(loc)
	if startOfDay(t, loc).Equal(startOfDay(now, loc)) {
		return t.Format("03:04 pm")
	}
	return t.Format("02/01/2006")
}

// ClockLabel formats ts as a 12-hour clock time in loc.
func ClockLabel(ts int64, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return time.Unix(ts, 0).In(loc).Format("03:04 pm")
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
