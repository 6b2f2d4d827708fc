package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/nidoit/blunux2SB/pkg/aiagent/executor"
	"github.com/nidoit/blunux2SB/pkg/aiagent/provider"
)

const basePrompt = `You are blunux-ai, a system administration assistant running on the operator's Arch-based Linux machine.

Use the available tools to inspect the system before answering questions about it. Prefer the named tools; use run_command only when no named tool fits.

Every command is checked by a safety policy before it runs:
- read-only queries run immediately
- commands that change the system (package installs, service changes, config edits) need the operator's confirmation
- destructive commands are refused

Never try to work around a refusal. Explain what you wanted to do instead. Keep answers short and practical.`

// systemPrompt assembles the system prompt for one turn.
func (a *Agent) systemPrompt(now time.Time, headless bool) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n")
	b.WriteString(a.strings.LanguageRule)
	fmt.Fprintf(&b, "\nCurrent time: %s\n", now.Format("2006-01-02 15:04 MST"))
	if a.cfg.SafeMode {
		b.WriteString("Safe mode is on: any command that is not a known read-only query needs confirmation.\n")
	}
	if headless {
		b.WriteString("This is an unattended automation run. Nobody can confirm commands, so only read-only queries will execute. Report findings concisely.\n")
	}
	if a.memory != nil {
		if ctx := a.memory.BuildContext(now); ctx != "" {
			b.WriteString("\n# Memory\n\n")
			b.WriteString(ctx)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// toolSpecs advertises the executor's named tool catalogue.
func toolSpecs() []provider.Tool {
	tools := executor.Tools()
	out := make([]provider.Tool, 0, len(tools))
	for _, t := range tools {
		pt := provider.Tool{Name: t.Name, Description: t.Description}
		for _, p := range t.Params {
			pt.Params = append(pt.Params, provider.ToolParam{
				Name:        p.Name,
				Description: p.Description,
				Required:    p.Required,
				Enum:        p.Enum,
			})
		}
		out = append(out, pt)
	}
	return out
}
