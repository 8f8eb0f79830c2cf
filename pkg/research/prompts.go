package research

import (
	"fmt"
	"strings"
	"time"
)

// maxFindingChars caps each finding inside a prompt so a single long page
// cannot crowd out the rest of the context.
const maxFindingChars = 4000

func analysisPrompt(topic string, findings []Finding, remaining time.Duration) string {
	minutes := remaining.Minutes()
	if minutes < 0 {
		minutes = 0
	}
	return fmt.Sprintf(`You are a research agent analyzing findings about: %s

You have %.1f minutes remaining to complete the research but you don't need to use all of it.

Current findings:
%s

What has been learned? What gaps remain? What specific aspects should be investigated next, if any?
If you need to search for more information, include a nextSearchTopic.
If you need to search for more information in a specific URL, include a urlToSearch.
Important: If less than 1 minute remains, set shouldContinue to false to allow time for final synthesis.
If I have enough information, set shouldContinue to false.

%s`, topic, minutes, formatFindings(findings), planSchema)
}

const planSchema = `Respond in this exact JSON format. Return the JSON object directly without any formatting or additional text:
{
  "analysis": {
    "summary": "summary of findings",
    "gaps": ["gap1", "gap2"],
    "nextSteps": ["step1", "step2"],
    "shouldContinue": true,
    "nextSearchTopic": "optional topic",
    "urlToSearch": "optional url"
  }
}`

func synthesisPrompt(topic string, findings []Finding, summaries []string) string {
	return fmt.Sprintf(`Based on all research conducted, create a comprehensive analysis of: %s

Findings:
%s

Summaries:
%s

Provide a final synthesis as a long-form report in Markdown. Include an Introduction,
Key Findings, Discussion and Conclusion, and cite the sources you relied on.`,
		topic, formatFindings(findings), strings.Join(summaries, "\n"))
}

func formatFindings(findings []Finding) string {
	if len(findings) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, f := range findings {
		content := f.Content
		if r := []rune(content); len(r) > maxFindingChars {
			content = string(r[:maxFindingChars])
		}
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[From %s]: %s", f.Source, content)
	}
	return b.String()
}
