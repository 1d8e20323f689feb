package submission

import "regexp"

// Fences are matched non-greedily across lines, so the first block wins and
// a later block cannot swallow the text between them.
var (
	yamlFence = regexp.MustCompile("(?s)```yaml\\s+(.*?)```")
	tomlFence = regexp.MustCompile("(?s)```toml\\s+(.*?)```")
)

func findBlock(body string, fence *regexp.Regexp) (string, bool) {
	m := fence.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}
