// Package safety is the Safety Layer: a set of pure functions (no hidden
// state beyond compiled patterns) for shell-command sanitization, path and
// URL validation, prompt-injection detection, a sandboxed command launcher,
// and at-rest encryption of secrets. Grounded on
// _examples/haasonsaas-nexus/internal/exec (shell metacharacter rejection
// idiom) and _examples/original_source/assistant/server/services/security.py
// (exact pattern lists and SSRF ranges, carried over unchanged).
package safety

import (
	"regexp"
	"strings"
)

// shellMetachars matches the disallowed shell metacharacter set from
// spec.md section 4.5.
var shellMetachars = regexp.MustCompile(`[;&|` + "`" + `$<>()\[\]{}*?~]`)

// destructivePatterns is the fixed blocklist of destructive shell idioms.
var destructivePatterns = []string{
	"rm -rf /",
	"rm -rf ~",
	":(){:|:&};:",
	"mkfs",
	"dd if=/dev/zero",
	"> /dev/sd",
	"chmod 777 /",
	"chown root /",
}

// SanitizeShell rejects a command containing shell metacharacters or a
// destructive-pattern match. It returns the command unchanged and ok=true
// when the command is safe to hand to the sandbox launcher.
func SanitizeShell(cmd string) (sanitized string, ok bool) {
	if shellMetachars.MatchString(cmd) {
		return cmd, false
	}

	lower := strings.ToLower(cmd)
	for _, pattern := range destructivePatterns {
		if strings.Contains(lower, pattern) {
			return cmd, false
		}
	}

	return cmd, true
}
