package channel

import (
	"strings"
	"unicode/utf8"

	"orderwatch/pkg/msgkit"
)

// Limits bounds message splitting for a channel.
//
// Ceiling is the provider's hard per-message cap. Margin is the soft bound
// each batch stays under, leaving headroom for provider-added framing.
type Limits struct {
	Ceiling int
	Margin  int
}

// Split turns a summary line plus grouped detail lines into messages that
// respect the channel's size limits.
//
//   - If everything fits in one message under Ceiling, one message is
//     returned.
//   - Otherwise the summary goes out first on its own, followed by
//     per-category batches, each under Margin. A line that cannot share a
//     batch with its category header becomes its own batch, truncated to
//     the margin, so one pathological entry can't block the rest.
//
// Concatenating the detail batches reproduces every line exactly once
// (truncation aside), in category order.
func Split(summary string, groups []Group, lim Limits) []string {
	if lim.Ceiling <= 0 {
		lim.Ceiling = 1024
	}
	if lim.Margin <= 0 || lim.Margin > lim.Ceiling {
		lim.Margin = lim.Ceiling
	}

	full := joinAll(summary, groups)
	if utf8.RuneCountInString(full) <= lim.Ceiling {
		return []string{full}
	}

	out := []string{summary}
	for _, g := range groups {
		header := msgkit.B(g.Title).String()
		headerLen := utf8.RuneCountInString(header)
		var b strings.Builder
		b.WriteString(header)
		for _, line := range g.Lines {
			lineLen := utf8.RuneCountInString(line)
			if headerLen+1+lineLen > lim.Margin {
				// The line can never fit under the header. Flush what we
				// have, then send the line alone, truncated to the margin.
				if b.String() != header {
					out = append(out, b.String())
					b.Reset()
					b.WriteString(header)
				}
				out = append(out, msgkit.TruncRunes(line, lim.Margin))
				continue
			}
			if utf8.RuneCountInString(b.String())+1+lineLen > lim.Margin {
				out = append(out, b.String())
				b.Reset()
				b.WriteString(header)
			}
			b.WriteString("\n")
			b.WriteString(line)
		}
		if b.String() != header {
			out = append(out, b.String())
		}
	}
	return out
}

func joinAll(summary string, groups []Group) string {
	var b strings.Builder
	b.WriteString(summary)
	for _, g := range groups {
		b.WriteString("\n\n")
		b.WriteString(msgkit.B(g.Title).String())
		for _, line := range g.Lines {
			b.WriteString("\n")
			b.WriteString(line)
		}
	}
	return b.String()
}
