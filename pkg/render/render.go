// Package render converts constrained markdown in bot replies into safe
// HTML fragments. Everything is escaped first and markup is reintroduced
// from a fixed whitelist (p, strong, em, code, pre, a, li, ul), so model
// output can never smuggle live HTML into the page.
package render

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

var (
	fencedRe = regexp.MustCompile("(?s)```\\w*\\n?(.*?)```")
	inlineRe = regexp.MustCompile("`([^`\n]+)`")
	boldRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe = regexp.MustCompile(`\*([^*\n]+)\*`)
	// Only http/https link targets are ever turned into anchors.
	linkRe        = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)
	placeholderRe = regexp.MustCompile("^\x00(\\d+)\x00$")
)

// Render is a pure function from reply text to an HTML fragment.
// Transform order matters: code spans are lifted out first so later passes
// cannot rewrite their contents.
func Render(text string) string {
	escaped := html.EscapeString(text)

	var tokens []string
	protect := func(s string) string {
		tokens = append(tokens, s)
		return fmt.Sprintf("\x00%d\x00", len(tokens)-1)
	}

	out := fencedRe.ReplaceAllStringFunc(escaped, func(m string) string {
		code := fencedRe.FindStringSubmatch(m)[1]
		return protect("<pre><code>" + strings.TrimSpace(code) + "</code></pre>")
	})
	out = inlineRe.ReplaceAllStringFunc(out, func(m string) string {
		return protect("<code>" + inlineRe.FindStringSubmatch(m)[1] + "</code>")
	})
	out = boldRe.ReplaceAllString(out, "<strong>$1</strong>")
	out = italicRe.ReplaceAllString(out, "<em>$1</em>")
	out = linkRe.ReplaceAllString(out, `<a href="$2" target="_blank" rel="noopener noreferrer">$1</a>`)

	out = blocks(out, tokens)

	for i, tok := range tokens {
		out = strings.ReplaceAll(out, fmt.Sprintf("\x00%d\x00", i), tok)
	}
	return out
}

// blocks wraps the remaining text into block-level markup: list items into
// <ul>, blank-line-separated chunks into <p>, lifted <pre> blocks as-is.
func blocks(text string, tokens []string) string {
	var (
		parts []string
		para  []string
		list  []string
	)

	flushPara := func() {
		chunk := strings.TrimSpace(strings.Join(para, "\n"))
		para = para[:0]
		if chunk == "" {
			return
		}
		if m := placeholderRe.FindStringSubmatch(chunk); m != nil {
			var idx int
			fmt.Sscanf(m[1], "%d", &idx)
			if idx < len(tokens) && strings.HasPrefix(tokens[idx], "<pre>") {
				// A lifted <pre> block stands on its own.
				parts = append(parts, chunk)
				return
			}
		}
		parts = append(parts, "<p>"+chunk+"</p>")
	}
	flushList := func() {
		if len(list) == 0 {
			return
		}
		parts = append(parts, "<ul>"+strings.Join(list, "")+"</ul>")
		list = list[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
			flushPara()
			list = append(list, "<li>"+strings.TrimSpace(trimmed[2:])+"</li>")
		case trimmed == "":
			flushList()
			flushPara()
		default:
			flushList()
			para = append(para, trimmed)
		}
	}
	flushList()
	flushPara()

	return strings.Join(parts, "\n")
}
