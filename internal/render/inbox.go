// Package render draws the two-pane terminal inbox: the conversation list
// on the left and the selected thread on the right.
package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"wa-inbox/internal/domain"
	"wa-inbox/internal/projection"
)

const (
	defaultWidth  = 100
	narrowWidth   = 72
	previewLength = 32
)

// View is everything one frame shows.
type View struct {
	Summaries    []domain.Summary
	Selected     string
	Thread       []projection.Entry
	MessageCount int
	Status       string
	Err          error
	Now          time.Time
}

type Options struct {
	Width    int
	Location *time.Location
}

type palette struct {
	title    lipgloss.Style
	muted    lipgloss.Style
	selected lipgloss.Style
	divider  lipgloss.Style
	inbound  lipgloss.Style
	outbound lipgloss.Style
	errLine  lipgloss.Style
	panel    lipgloss.Style
}

func newPalette(r *lipgloss.Renderer) palette {
	return palette{
		title:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("#25D366")),
		muted:    r.NewStyle().Foreground(lipgloss.Color("245")),
		selected: r.NewStyle().Bold(true).Background(lipgloss.Color("236")),
		divider:  r.NewStyle().Foreground(lipgloss.Color("244")).Italic(true),
		inbound:  r.NewStyle().Foreground(lipgloss.Color("252")),
		outbound: r.NewStyle().Foreground(lipgloss.Color("#A7F3D0")),
		errLine:  r.NewStyle().Foreground(lipgloss.Color("#F87171")).Bold(true),
		panel:    r.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
	}
}

// Inbox writes one frame of the inbox to w. Colors follow what w supports.
func Inbox(w io.Writer, v View, opts Options) error {
	width := opts.Width
	if width <= 0 {
		width = defaultWidth
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := v.Now
	if now.IsZero() {
		now = time.Now()
	}

	p := newPalette(lipgloss.NewRenderer(w))

	var body string
	if width < narrowWidth {
		list := p.panel.Width(width - 2).Render(conversations(p, v, now, loc, width-4))
		thread := p.panel.Width(width - 2).Render(threadPane(p, v, now, loc, width-4))
		body = lipgloss.JoinVertical(lipgloss.Left, list, thread)
	} else {
		listWidth := width * 2 / 5
		threadWidth := width - listWidth - 4
		list := p.panel.Width(listWidth).Render(conversations(p, v, now, loc, listWidth-2))
		thread := p.panel.Width(threadWidth).Render(threadPane(p, v, now, loc, threadWidth-2))
		body = lipgloss.JoinHorizontal(lipgloss.Top, list, thread)
	}

	footer := p.muted.Render(footerLine(v))
	if v.Err != nil {
		footer = lipgloss.JoinVertical(lipgloss.Left, footer, p.errLine.Render("data error: "+v.Err.Error()))
	}
	_, err := fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, body, footer))
	return err
}

func conversations(p palette, v View, now time.Time, loc *time.Location, width int) string {
	lines := []string{p.title.Render("Conversations")}
	if len(v.Summaries) == 0 {
		lines = append(lines, p.muted.Render("No conversations yet."))
		return strings.Join(lines, "\n")
	}
	for _, s := range v.Summaries {
		cursor := " "
		if s.Phone == v.Selected {
			cursor = ">"
		}
		head := fmt.Sprintf("%s %s  %s", cursor, s.Phone, projection.TimeLabel(s.LastTimestamp, now, loc))
		sub := fmt.Sprintf("  %s  %s", truncate(firstLine(s.LastText), previewLength),
			humanize.RelTime(time.Unix(s.LastTimestamp, 0), now, "ago", "from now"))
		entry := truncate(head, width) + "\n" + p.muted.Render(truncate(sub, width))
		if s.Phone == v.Selected {
			entry = p.selected.Render(truncate(head, width)) + "\n" + p.muted.Render(truncate(sub, width))
		}
		lines = append(lines, entry)
	}
	return strings.Join(lines, "\n")
}

func threadPane(p palette, v View, now time.Time, loc *time.Location, width int) string {
	if v.Selected == "" {
		return p.title.Render("No Conversation Selected") + "\n" +
			p.muted.Render("Select a conversation with -phone.")
	}
	lines := []string{p.title.Render(v.Selected)}
	if len(v.Thread) == 0 {
		lines = append(lines, p.muted.Render("No messages found."))
		return strings.Join(lines, "\n")
	}
	for _, e := range v.Thread {
		if e.Kind == projection.EntryDivider {
			label := projection.DateLabel(e.Day.Unix(), now, loc)
			lines = append(lines, p.divider.Render("-- "+label+" --"))
			continue
		}
		m := e.Message
		clock := projection.ClockLabel(m.Timestamp, loc)
		style, marker := p.inbound, "<"
		if m.Direction == domain.Outbound {
			style, marker = p.outbound, ">"
		}
		for i, part := range strings.Split(m.Text, "\n") {
			prefix := fmt.Sprintf("%s %s  ", marker, clock)
			if i > 0 {
				prefix = strings.Repeat(" ", len(prefix))
			}
			lines = append(lines, style.Render(truncate(prefix+part, width)))
		}
	}
	return strings.Join(lines, "\n")
}

func footerLine(v View) string {
	parts := []string{fmt.Sprintf("%s messages", humanize.Comma(int64(v.MessageCount)))}
	if v.Status != "" {
		parts = append(parts, v.Status)
	}
	parts = append(parts, "Enter refresh  Ctrl+C quit")
	return strings.Join(parts, "  |  ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
