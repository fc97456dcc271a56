package risk

import "strings"

// Fixed ratings for tools whose harm does not depend on their arguments.
var toolLevels = map[string]Level{
	"fs.read":        Low,
	"fs.exists":      Low,
	"fs.list":        Low,
	"fs.info":        Low,
	"git.status":     Low,
	"git.log":        Low,
	"git.branch":     Low,
	"git.diff":       Low,
	"plan.note":      Low,
	"doctor.command": Low,
	"fs.mkdir":       Medium,
	"fs.write":       Medium,
	"git.stage":      Medium,
	"git.commit":     Medium,
	"fs.remove":      High,
}

// KnownTool reports whether ClassifyStep has a dedicated rating for tool.
func KnownTool(tool string) bool {
	name := strings.TrimSpace(tool)
	if name == "terminal.run" {
		return true
	}
	_, ok := toolLevels[name]
	return ok
}

// ClassifyStep rates a plan step by tool name and input. Commands passed to
// the terminal tool are classified by their text; unknown tools rate High.
func ClassifyStep(tool string, input map[string]any) Level {
	name := strings.TrimSpace(tool)
	if name == "terminal.run" {
		command, _ := input["command"].(string)
		if strings.TrimSpace(command) == "" {
			return High
		}
		return Max(Medium, Classify(command))
	}
	if level, ok := toolLevels[name]; ok {
		if name == "fs.remove" || name == "fs.write" {
			if recursive, _ := input["recursive"].(bool); recursive {
				return High
			}
		}
		return level
	}
	return High
}
