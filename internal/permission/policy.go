// Package permission turns declarative tool policies into hooks. A
// policy maps command patterns to allow/ask/deny actions; the bash hook
// parses each requested command and applies the most specific match.
package permission

import (
	"context"
	"strings"

	"github.com/conduit-ai/conduit/internal/hook"
)

// Action is what a policy says about a matched command.
type Action string

const (
	ActionAllow Action = "allow"
	ActionAsk   Action = "ask"
	ActionDeny  Action = "deny"
)

func (a Action) decision() hook.Decision {
	switch a {
	case ActionDeny:
		return hook.DecisionDeny
	case ActionAsk:
		return hook.DecisionAsk
	}
	return hook.DecisionAllow
}

// severity orders actions so the strictest one wins when a command
// line contains several commands.
func (a Action) severity() int {
	switch a {
	case ActionDeny:
		return 2
	case ActionAsk:
		return 1
	}
	return 0
}

// Policy holds the bash command rules. Keys are "git", "git push",
// "git *", "git push *", or "*"; more specific patterns win.
type Policy struct {
	Bash    map[string]Action
	Default Action
}

// matchBash finds the action for one parsed command, most specific
// pattern first.
func (p *Policy) matchBash(cmd Command) Action {
	rules := p.Bash
	if cmd.Subcommand != "" {
		key := cmd.Name + " " + cmd.Subcommand
		if action, ok := rules[key+" *"]; ok {
			return action
		}
		if action, ok := rules[key]; ok {
			return action
		}
	}
	if action, ok := rules[cmd.Name+" *"]; ok {
		return action
	}
	if action, ok := rules[cmd.Name]; ok {
		return action
	}
	if action, ok := rules["*"]; ok {
		return action
	}
	if p.Default != "" {
		return p.Default
	}
	return ActionAllow
}

// BashHook builds a pre-tool-use hook enforcing the policy on the bash
// tool. Unparseable commands are denied; other tools pass through.
func BashHook(policy *Policy) hook.Func {
	return func(ctx context.Context, input *hook.Input) (*hook.Output, error) {
		if input.ToolName != "bash" {
			return &hook.Output{Decision: hook.DecisionAllow}, nil
		}

		command, _ := input.ToolInput["command"].(string)
		if strings.TrimSpace(command) == "" {
			return &hook.Output{Decision: hook.DecisionAllow}, nil
		}

		commands, err := ParseCommands(command)
		if err != nil {
			return &hook.Output{
				Decision: hook.DecisionDeny,
				Reason:   "command could not be parsed: " + err.Error(),
			}, nil
		}

		verdict := ActionAllow
		var matched string
		for _, cmd := range commands {
			action := policy.matchBash(cmd)
			if action.severity() > verdict.severity() {
				verdict = action
				matched = cmd.Name
				if cmd.Subcommand != "" {
					matched += " " + cmd.Subcommand
				}
			}
		}

		out := &hook.Output{Decision: verdict.decision()}
		if verdict != ActionAllow {
			out.Reason = "policy " + string(verdict) + " for " + matched
		}
		return out, nil
	}
}
