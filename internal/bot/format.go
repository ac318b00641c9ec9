package bot

import (
	"fmt"
	"html"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"

	"yad2_bot/internal/model"
)

const timeLayout = "2006-01-02 15:04:05 MST"

// FormatStartup formats the HTML announcement sent when the service starts.
func FormatStartup(searches []model.Search, interval time.Duration) string {
	var b strings.Builder
	b.WriteString("🤖 Yad2 Monitor Bot started!\n\n")
	fmt.Fprintf(&b, "I'll check for new vehicle ads every %s.\n\n", interval)
	b.WriteString("Monitoring:\n")
	if len(searches) == 0 {
		b.WriteString("• nothing, no searches are enabled\n")
	}
	for _, s := range searches {
		fmt.Fprintf(&b, "• %s\n", html.EscapeString(s.Name))
	}
	b.WriteString("\nSend /start for available commands.")
	return b.String()
}

// FormatStatus formats the monitoring state for /status.
func FormatStatus(st model.Status, interval time.Duration) string {
	var b strings.Builder
	if st.CycleState == model.StateRunning {
		b.WriteString("🟢 Cycle in progress\n")
	} else {
		b.WriteString("🟡 Waiting for the next cycle\n")
	}
	if st.SweepState == model.StateSweeping {
		b.WriteString("🧹 Sweep in progress\n")
	}

	fmt.Fprintf(&b, "\nCheck interval: %s\n", interval)
	if st.LastCycleAt.IsZero() {
		b.WriteString("Last cycle: never\n")
	} else {
		fmt.Fprintf(&b, "Last cycle: %s (took %s)\n", formatTime(st.LastCycleAt), st.LastCycleTook.Round(time.Millisecond))
		fmt.Fprintf(&b, "Last drain: %d sent, %d deferred\n", st.LastDrain.Sent, st.LastDrain.Deferred)
	}
	if st.LastSweepAt.IsZero() {
		b.WriteString("Last sweep: never\n")
	} else {
		fmt.Fprintf(&b, "Last sweep: %s (%d removed)\n", formatTime(st.LastSweepAt), st.LastSwept)
	}
	if st.SkippedCycles > 0 || st.SkippedSweeps > 0 {
		fmt.Fprintf(&b, "Skipped ticks: %d cycles, %d sweeps\n", st.SkippedCycles, st.SkippedSweeps)
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s (%s)\n", st.LastError, formatTime(st.LastErrorAt))
	}

	b.WriteString("\nMonitored searches:\n")
	if len(st.Searches) == 0 {
		b.WriteString("none\n")
	}
	results := lo.KeyBy(st.LastResults, func(r model.SearchResult) string { return r.Tag })
	for _, s := range st.Searches {
		fmt.Fprintf(&b, "• %s [%s]", s.Name, s.Tag)
		if !s.Enabled {
			b.WriteString(" (disabled)\n")
			continue
		}
		r, ok := results[s.Tag]
		if !ok {
			b.WriteString(": not checked yet\n")
			continue
		}
		fmt.Fprintf(&b, ": %d pages, %d observed, %d new", r.Pages, r.Observed, r.New)
		if r.FailedPages > 0 {
			fmt.Fprintf(&b, ", %d failed", r.FailedPages)
		}
		if r.Err != nil {
			b.WriteString(", aborted")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatStats formats store statistics for /stats.
func FormatStats(stats model.Stats) string {
	var b strings.Builder
	b.WriteString("📊 Database Statistics\n\n")
	fmt.Fprintf(&b, "Total listings: %d\n", stats.Total)
	fmt.Fprintf(&b, "Notified: %d\n", stats.Notified)
	fmt.Fprintf(&b, "Pending: %d\n", stats.Pending)

	if len(stats.BySearchTag) > 0 {
		b.WriteString("\nBy search:\n")
		tags := lo.Keys(stats.BySearchTag)
		slices.Sort(tags)
		for _, tag := range tags {
			fmt.Fprintf(&b, "• %s: %d\n", tag, stats.BySearchTag[tag])
		}
	}

	fmt.Fprintf(&b, "\nOldest entry: %s\n", formatTime(stats.OldestFirstSeen))
	fmt.Fprintf(&b, "Newest entry: %s", formatTime(stats.NewestFirstSeen))
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	return t.UTC().Format(timeLayout)
}
