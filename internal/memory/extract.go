package memory

import (
	"regexp"
	"strings"
)

const minLearningLength = 12

var (
	learningHeader = regexp.MustCompile(`(?im)^#{1,3}\s*(learnings|insights|lessons learned|key takeaways)\s*:?\s*$`)
	nextHeader     = regexp.MustCompile(`\n#{1,3} `)
	numberedItem   = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+(.+)`)
	bulletItem     = regexp.MustCompile(`(?m)^\s*[-*]\s+(.+)`)
	boldText       = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	inlineCode     = regexp.MustCompile("`([^`]+)`")
)

// ExtractLearnings pulls list items out of the last "Learnings"-style section of a task's
// output. It returns nil when the output has no such section.
func ExtractLearnings(text string) []string {
	matches := learningHeader.FindAllStringIndex(text, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		section := text[matches[i][1]:]
		if loc := nextHeader.FindStringIndex(section); loc != nil {
			section = section[:loc[0]]
		}
		items := listItems(numberedItem, section)
		if len(items) == 0 {
			items = listItems(bulletItem, section)
		}
		if len(items) > 0 {
			return items
		}
	}
	return nil
}

func listItems(re *regexp.Regexp, section string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(section, -1) {
		cleaned := cleanMarkdown(m[1])
		if len(cleaned) >= minLearningLength {
			out = append(out, cleaned)
		}
	}
	return out
}

func cleanMarkdown(text string) string {
	text = boldText.ReplaceAllString(text, "$1")
	text = inlineCode.ReplaceAllString(text, "$1")
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}
