// Package risk classifies shell commands and plan steps by their potential for harm.
//
// Classification is pattern based and fails closed: input that cannot be
// tokenized, or that smuggles in a nested shell, is rated at least medium.
// All functions are pure so the same command always yields the same level,
// which keeps audit records reproducible.
package risk

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Level is a coarse harm rating.
type Level string

const (
	Low    Level = "low"
	Medium Level = "medium"
	High   Level = "high"
)

// ParseLevel parses a level name. Unknown names map to High.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case Low:
		return Low
	case Medium:
		return Medium
	default:
		return High
	}
}

// Rank orders levels so callers can take the maximum.
func (l Level) Rank() int {
	switch l {
	case Low:
		return 0
	case Medium:
		return 1
	default:
		return 2
	}
}

// Max returns the higher of two levels.
func Max(a, b Level) Level {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// RequiresConfirmation reports whether a level needs explicit human approval.
func RequiresConfirmation(l Level) bool {
	return l.Rank() >= Medium.Rank()
}

type rule struct {
	level  Level
	reason string
	re     *regexp.Regexp
}

// gitSub matches "git" plus any global options before the subcommand,
// such as "git -C dir" or "git --no-pager".
const gitSub = `git(\s+-\S+(\s+[^-\s]\S*)?)*\s+`

// mustRule compiles a case-insensitive pattern; program names still run on
// case-insensitive filesystems.
func mustRule(level Level, reason, pattern string) rule {
	return rule{level: level, reason: reason, re: regexp.MustCompile(`(?i)` + pattern)}
}

// Rules are checked in order; the first match at the highest level wins.
var rules = []rule{
	mustRule(High, "destructive filesystem deletion", `(^|[\s;&|])rm\s+(-[a-zA-Z]*[rRf][a-zA-Z]*\s+)+`),
	mustRule(High, "destructive filesystem deletion", `(^|[\s;&|])rm\s+(.*\s)?(/|~|\*)(\s|$)`),
	mustRule(High, "destructive filesystem deletion", `(^|[\s;&|])find\s+(.*\s)?-(delete|exec|execdir|ok|okdir)(\s|$)`),
	mustRule(High, "disk or filesystem formatting", `(^|[\s;&|])(mkfs(\.[a-z0-9]+)?|fdisk|parted|wipefs)(\s|$)`),
	mustRule(High, "raw device write", `(^|[\s;&|])dd\s+.*of=/dev/`),
	mustRule(High, "secure file destruction", `(^|[\s;&|])shred(\s|$)`),
	mustRule(High, "privilege escalation", `(^|[\s;&|])(sudo|su|doas|pkexec|runas)(\s|$)`),
	mustRule(High, "permission weakening", `(^|[\s;&|])chmod\s+(-R\s+)?(0?777|a\+rwx|\+s|u\+s)`),
	mustRule(High, "ownership change", `(^|[\s;&|])chown(\s|$)`),
	mustRule(High, "remote script execution", `(curl|wget)[^|]*\|\s*(sudo\s+)?(sh|bash|zsh|python[0-9.]*|perl|ruby|node)(\s|$)`),
	mustRule(High, "inline interpreter code", `(^|[\s;&|])(python[0-9.]*|node|nodejs|deno|bun|perl|ruby|php|lua|pwsh|powershell|osascript)\s+(.*\s)?(-c|-e|-E|--eval|-p|--print|-command)(\s|=|$)`),
	mustRule(High, "network exfiltration", `(^|[\s;&|])curl\s+.*(-d|--data(-binary|-raw)?|-F|--form|-T|--upload-file)\s+@`),
	mustRule(High, "network exfiltration", `(^|[\s;&|])(nc|ncat|netcat|socat|telnet)(\s|$)`),
	mustRule(High, "network exfiltration", `(^|[\s;&|])(scp|sftp)\s`),
	mustRule(High, "network exfiltration", `(^|[\s;&|])rsync\s+.*[a-zA-Z0-9_.-]+@?[a-zA-Z0-9_.-]+:`),
	mustRule(High, "history rewriting", gitSub+`push\s+.*(--force|-f(\s|$)|--force-with-lease|--mirror|--delete|\s\+\S)`),
	mustRule(High, "history rewriting", gitSub+`(reset\s+--hard|rebase|filter-branch|filter-repo|reflog\s+expire|update-ref\s+-d)`),
	mustRule(High, "history rewriting", gitSub+`clean\s+-[a-zA-Z]*f`),
	mustRule(High, "history rewriting", gitSub+`(branch\s+-D|checkout\s+--\s|restore\s)`),
	mustRule(High, "system power or service control", `(^|[\s;&|])(shutdown|reboot|halt|poweroff|systemctl|launchctl|service)(\s|$)`),
	mustRule(High, "process termination", `(^|[\s;&|])(kill\s+-9|killall|pkill)(\s|$)`),
	mustRule(High, "fork bomb", `:\(\)\s*\{`),
	mustRule(High, "credential access", `(\.ssh/|\.aws/|\.gnupg/|id_rsa|id_ed25519|\.netrc|\.npmrc|\.pypirc|/etc/shadow)`),
	mustRule(High, "environment dump", `(^|[\s;&|])(env|printenv|set)(\s*$|\s*\|)`),
	mustRule(Medium, "package installation", `(^|[\s;&|])(npm|pnpm|yarn|pip3?|gem|cargo|go|brew|apt(-get)?|yum|dnf|pacman)\s+(install|add|get|i)(\s|$)`),
	mustRule(Medium, "network access", `(^|[\s;&|])(curl|wget|ssh|ftp)(\s|$)`),
	mustRule(Medium, "repository mutation", gitSub+`(push|commit|merge|checkout|switch|stash|tag|am|apply|cherry-pick|revert)(\s|$)`),
	mustRule(Medium, "file removal", `(^|[\s;&|])(rm|rmdir|unlink)(\s|$)`),
	mustRule(Medium, "file move or overwrite", `(^|[\s;&|])(mv|cp|truncate|tee)(\s|$)`),
	mustRule(Medium, "permission change", `(^|[\s;&|])chmod(\s|$)`),
	mustRule(Medium, "container or cluster control", `(^|[\s;&|])(docker|podman|kubectl|helm|terraform)\s`),
	mustRule(Medium, "output redirection", `[^2&]>{1,2}\s*[^&\s]`),
}

// Command substitution and shell chaining hide what will actually run.
var nestedShell = regexp.MustCompile("(?i)(\\$\\(|`|\\|\\s*(sh|bash|zsh)(\\s|$)|(^|\\s)(sh|bash|zsh)\\s+-c|(^|\\s)eval\\s)")

type match struct {
	level  Level
	reason string
}

func evaluate(command string) match {
	text := strings.TrimSpace(command)
	if text == "" {
		return match{level: Low}
	}
	best := match{level: Low}
	for _, r := range rules {
		if r.level.Rank() <= best.level.Rank() {
			continue
		}
		if r.re.MatchString(text) {
			best = match{level: r.level, reason: r.reason}
			if best.level == High {
				return best
			}
		}
	}
	if nestedShell.MatchString(text) {
		return match{level: High, reason: "nested shell or command substitution"}
	}
	if _, err := shellquote.Split(text); err != nil {
		return match{level: Max(best.level, Medium), reason: firstNonEmpty(best.reason, "ambiguous quoting")}
	}
	return best
}

// Classify rates a command string.
func Classify(command string) Level {
	return evaluate(command).level
}

// Description explains why a command is risky. It returns false for low-risk commands.
func Description(command string) (string, bool) {
	m := evaluate(command)
	if m.level == Low {
		return "", false
	}
	return fmt.Sprintf("%s risk: %s", m.level, m.reason), true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
