package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"quotebot/internal/quote"
	"quotebot/internal/task/scheduler"
	"quotebot/pkg/tgui"
)

const errorMessageRunes = 300

// FormatQuoteHTML renders the escaped quote text followed by a
// "date | #id" link to the quote's page.
func FormatQuoteHTML(rec quote.Record) string {
	footer := fmt.Sprintf("%s | #%d", rec.Date, rec.ID)
	if rec.Date == "" {
		footer = fmt.Sprintf("#%d", rec.ID)
	}
	var link tgui.H
	if rec.URL != "" {
		link = tgui.Link(footer, rec.URL)
	} else {
		link = tgui.Esc(footer)
	}
	return string(tgui.Esc(rec.Text)) + "\n\n" + string(link)
}

type Stats struct {
	Quotes    int
	Errors    int
	Cursor    int // 0 when the sequential loop has not stored a page yet
	Busy      bool
	Uptime    time.Duration
	Schedules []scheduler.ScheduleInfo
}

func FormatStatsHTML(s Stats) string {
	var b strings.Builder
	b.WriteString(string(tgui.B("Stats")))
	fmt.Fprintf(&b, "\nQuotes: %s", tgui.Code(humanize.Comma(int64(s.Quotes))))
	fmt.Fprintf(&b, "\nRecorded errors: %s", tgui.Code(humanize.Comma(int64(s.Errors))))
	if s.Cursor > 0 {
		fmt.Fprintf(&b, "\nSequential page: %s", tgui.Code(fmt.Sprint(s.Cursor)))
	}
	state := "idle"
	if s.Busy {
		state = "harvesting"
	}
	fmt.Fprintf(&b, "\nHarvest: %s", tgui.Esc(state))
	if s.Uptime > 0 {
		fmt.Fprintf(&b, "\nUptime: %s", tgui.Esc(s.Uptime.Truncate(time.Second).String()))
	}
	for _, sc := range s.Schedules {
		next := "-"
		if !sc.Next.IsZero() {
			next = sc.Next.Format("2006-01-02 15:04 MST")
		}
		fmt.Fprintf(&b, "\n%s next %s", tgui.Code(sc.Name), tgui.Esc(next))
	}
	return b.String()
}

// FormatErrorsHTML lists error records newest first, as given.
func FormatErrorsHTML(recs []quote.ErrorRecord) string {
	lines := make([]string, 0, len(recs)+1)
	lines = append(lines, string(tgui.B(fmt.Sprintf("Last %d errors", len(recs)))))
	for _, e := range recs {
		lines = append(lines, fmt.Sprintf("%s %s\n%s",
			tgui.Code(e.At.Format("2006-01-02 15:04:05")),
			tgui.B(e.Origin),
			tgui.Esc(tgui.TruncRunes(e.Message, errorMessageRunes)),
		))
	}
	return strings.Join(lines, "\n\n")
}
