// Package markup converts Bitrix24 BBCode-style rich text into the plain
// text WhatsApp understands.
package markup

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vincent-petithory/dataurl"
)

// rule is one rewrite step. Exactly one of repl or fn is set.
type rule struct {
	name string
	re   *regexp.Regexp
	repl string
	fn   func(groups []string) string
}

func (r rule) apply(s string) string {
	if r.fn == nil {
		return r.re.ReplaceAllString(s, r.repl)
	}
	return r.re.ReplaceAllStringFunc(s, func(match string) string {
		return r.fn(r.re.FindStringSubmatch(match))
	})
}

// codeBlock is lifted out before any other rule runs so its body reaches
// the output verbatim.
var codeBlock = regexp.MustCompile(`(?is)\[code\](.*?)\[/code\]`)

// placeholder marks a lifted code block; NUL never survives the tag rules.
var placeholder = regexp.MustCompile("\x00([0-9]+)\x00")

// rules run top to bottom; the catch-all strip runs last.
var rules = []rule{
	{name: "br", re: regexp.MustCompile(`(?i)\[br\s*/?\]`), repl: "\n"},
	{name: "bold", re: regexp.MustCompile(`(?is)\[b\](.*?)\[/b\]`), repl: "*$1*"},
	{name: "italic", re: regexp.MustCompile(`(?is)\[i\](.*?)\[/i\]`), repl: "_${1}_"},
	{name: "strike", re: regexp.MustCompile(`(?is)\[s\](.*?)\[/s\]`), repl: "~$1~"},
	{name: "underline", re: regexp.MustCompile(`(?is)\[u\](.*?)\[/u\]`), repl: "$1"},
	{name: "url-attr", re: regexp.MustCompile(`(?is)\[url=([^\]]+)\](.*?)\[/url\]`), fn: linkWithText},
	{name: "url", re: regexp.MustCompile(`(?is)\[url\](.*?)\[/url\]`), repl: "$1"},
	{name: "img", re: regexp.MustCompile(`(?is)\[img[^\]]*\](.*?)\[/img\]`), fn: imagePlaceholder},
	{name: "quote-author", re: regexp.MustCompile(`(?is)\[quote=([^\]]*)\](.*?)\[/quote\]`), fn: quoteWithAuthor},
	{name: "quote", re: regexp.MustCompile(`(?is)\[quote\](.*?)\[/quote\]`), fn: quote},
	{name: "unwrap", re: regexp.MustCompile(`(?i)\[/?(?:color|font|size|list)(?:=[^\]]*)?\]`), repl: ""},
	{name: "bullet", re: regexp.MustCompile(`\[\*\]\s*`), repl: "• "},
	{name: "strip", re: regexp.MustCompile(`\[/?[A-Za-z][A-Za-z0-9_]*(?:=[^\]]*)?\]`), repl: ""},
}

var extraNewlines = regexp.MustCompile(`\n{3,}`)

// Translate rewrites Bitrix markup into WhatsApp plain text. It never fails;
// malformed or unknown tags are stripped. Text in which no tag is recognized
// is returned unchanged.
func Translate(text string) string {
	out := strings.ReplaceAll(text, "\r\n", "\n")

	var blocks []string
	out = codeBlock.ReplaceAllStringFunc(out, func(match string) string {
		blocks = append(blocks, fenceCode(codeBlock.FindStringSubmatch(match)))
		return fmt.Sprintf("\x00%d\x00", len(blocks)-1)
	})
	matched := len(blocks) > 0
	for _, r := range rules {
		next := r.apply(out)
		if next != out {
			matched = true
		}
		out = next
	}
	if !matched {
		return text
	}

	out = strings.TrimSpace(extraNewlines.ReplaceAllString(out, "\n\n"))
	return placeholder.ReplaceAllStringFunc(out, func(match string) string {
		i, err := strconv.Atoi(placeholder.FindStringSubmatch(match)[1])
		if err != nil || i >= len(blocks) {
			return match
		}
		return blocks[i]
	})
}

func fenceCode(g []string) string {
	return "```\n" + strings.Trim(g[1], "\n") + "\n```"
}

func linkWithText(g []string) string {
	url, text := strings.TrimSpace(g[1]), strings.TrimSpace(g[2])
	if text == "" || text == url {
		return url
	}
	return fmt.Sprintf("%s (%s)", text, url)
}

func imagePlaceholder(g []string) string {
	src := strings.TrimSpace(g[1])
	if strings.HasPrefix(src, "data:") {
		if du, err := dataurl.DecodeString(src); err == nil {
			return "[image: " + du.MediaType.ContentType() + "]"
		}
		return "[image: embedded]"
	}
	if src == "" {
		return "[image: unknown]"
	}
	return "[image: " + src + "]"
}

func quoteWithAuthor(g []string) string {
	author := strings.TrimSpace(g[1])
	body := quoteLines(g[2])
	if author == "" {
		return body
	}
	return "> " + author + ":\n" + body
}

func quote(g []string) string {
	return quoteLines(g[1])
}

func quoteLines(body string) string {
	lines := strings.Split(strings.Trim(body, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}
