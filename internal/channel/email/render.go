package email

import (
	"fmt"
	"strings"

	"orderwatch/internal/channel"
	"orderwatch/internal/schedule"
	"orderwatch/pkg/msgkit"
)

// RenderHTML builds the email body: a summary line followed by one section
// per change category. The markup stays deliberately simple (inline styles
// only) so it renders the same in every client.
func RenderHTML(cs schedule.ChangeSet) string {
	var b strings.Builder
	b.WriteString("<html><body style=\"font-family:sans-serif\">\n")
	fmt.Fprintf(&b, "<p><b>%s</b></p>\n", msgkit.Esc(channel.SummaryLine(cs.Summary)))

	for _, g := range channel.GroupLines(cs) {
		fmt.Fprintf(&b, "<h3>%s (%d)</h3>\n<ul>\n", msgkit.Esc(g.Title), len(g.Lines))
		for _, line := range g.Lines {
			// Lines are already escaped HTML from the shared renderer.
			fmt.Fprintf(&b, "<li>%s</li>\n", line)
		}
		b.WriteString("</ul>\n")
	}

	b.WriteString("</body></html>\n")
	return b.String()
}

// Subject derives a compact subject from the summary.
func Subject(cs schedule.ChangeSet) string {
	return channel.SummaryLine(cs.Summary)
}
