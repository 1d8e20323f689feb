package processor

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/planetwars/evalbot/internal/launcher"
	"github.com/planetwars/evalbot/internal/runner"
	"github.com/planetwars/evalbot/internal/submission"
)

func extractionFailureComment(err error) string {
	var b strings.Builder
	b.WriteString("❌ Submission descriptor extraction failed.\n\n")

	reason := err.Error()
	var xe *submission.ExtractionError
	if errors.As(err, &xe) {
		fmt.Fprintf(&b, "**Kind:** `%s`\n", xe.Kind)
		reason = xe.Reason
		if xe.Err != nil {
			reason = fmt.Sprintf("%s (%v)", reason, xe.Err)
		}
	}
	fmt.Fprintf(&b, "**Reason:** %s\n\n", reason)
	b.WriteString("Please include a block like:\n\n")
	b.WriteString("```yaml\nrepository_url: https://github.com/you/your-agent.git\ncommit: <optional sha>\n```\n")
	return b.String()
}

func launchFailureComment(err error, timeout time.Duration, limit int) string {
	var b strings.Builder

	se, ok := launcher.AsStageError(err)
	if ok && se.Timeout() {
		fmt.Fprintf(&b, "⏱️ Evaluation timed out after %s during the `%s` stage.\n", timeout, se.Stage)
		if out := tail(se.Output, limit); out != "" {
			fmt.Fprintf(&b, "\nLast output:\n\n```\n%s\n```\n", out)
		}
		return b.String()
	}

	b.WriteString("❌ Failed to launch agent.\n\n")
	output := runner.OutputOf(err)
	if ok {
		fmt.Fprintf(&b, "**Stage:** `%s`\n**Kind:** `%s`\n", se.Stage, se.Kind)
		output = se.Output
		if se.Err != nil {
			fmt.Fprintf(&b, "**Error:** %s\n", se.Err)
		}
	} else {
		fmt.Fprintf(&b, "**Error:** %s\n", err)
	}
	if out := tail(output, limit); out != "" {
		fmt.Fprintf(&b, "\nOutput:\n\n```\n%s\n```\n", out)
	}
	return b.String()
}

func successComment(res *launcher.Result) string {
	return fmt.Sprintf("✅ Agent is running.\n\n"+
		"- **Container:** `%s`\n"+
		"- **Image:** `%s`\n"+
		"- **Port:** %d\n"+
		"- **Endpoint:** `%s`\n",
		res.ContainerName, res.Image, res.Port, res.Endpoint)
}

// tail keeps the last limit bytes of s, cut at a line start when possible.
func tail(s string, limit int) string {
	s = strings.TrimRight(s, "\n")
	if limit <= 0 || len(s) <= limit {
		return s
	}
	start := len(s) - limit
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	cut := s[start:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i < len(cut)-1 {
		cut = cut[i+1:]
	}
	return "...\n" + cut
}
