// Package policy gates which shell commands operators may dispatch to
// agents. The validator classifies a raw command string as allowed or
// blocked; it never executes anything. The server applies it before any
// dispatch and agents repeat the check before execution.
package policy

import (
	"fmt"
	"strings"
)

// Decision is the outcome of validating one command string.
type Decision struct {
	Allowed bool
	Reason  string // set when blocked
}

func allowed() Decision { return Decision{Allowed: true} }

func blocked(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// DefaultMaxCommandLength bounds dispatched command strings.
const DefaultMaxCommandLength = 1000

// Read-only tooling an operator may invoke directly by name.
var defaultAllowedCommands = []string{
	// system information
	"ps", "ls", "pwd", "whoami", "id", "groups", "date", "uptime",
	"hostname", "uname",
	// resource monitoring
	"df", "free", "top", "htop", "iostat", "vmstat", "sar", "mpstat",
	// network state
	"netstat", "ss", "ip", "ifconfig", "ping",
	// read-only file inspection
	"cat", "head", "tail", "less", "more", "grep", "find", "wc",
	"sort", "uniq",
	// read-only service state
	"systemctl", "journalctl", "service",
	// environment and history
	"env", "history", "which", "whereis",
	// shells, used to launch vetted scripts
	"bash", "sh",
	// process management for the app lifecycle flows
	"kill", "cd",
}

// Substrings that veto a command outright. Matched case-insensitively
// against the whole command.
var defaultBlockedPatterns = []string{
	// power control
	"shutdown", "reboot", "halt", "poweroff", "init 0", "init 6",
	"systemctl poweroff", "systemctl reboot", "systemctl halt",
	// destructive file operations
	"rm -rf", "rm -r", "rm /", "rmdir", "> /dev/", "dd if=", "dd of=",
	"mkfs", "fdisk", "parted", "format",
	// privilege escalation
	"sudo su", "su -", "su root", "sudo -i", "sudo bash", "sudo sh",
	"passwd", "usermod", "useradd", "userdel", "chmod 777", "chmod 4755",
	"chown root",
	// network egress
	"curl", "wget", "nc -", "netcat", "telnet", "ftp", "sftp", "scp",
	"rsync",
	// interactive shells and inline interpreters
	"bash -i", "sh -i", "exec", "eval", "source", "python -c", "perl -e",
	"ruby -e",
	// process and service control
	"kill -9", "killall", "pkill", "systemctl start", "systemctl stop",
	"systemctl restart", "systemctl enable", "systemctl disable",
	"service start", "service stop", "service restart",
	// package managers
	"apt install", "apt remove", "apt purge", "yum install", "yum remove",
	"dnf install", "dnf remove", "rpm -i", "rpm -e", "dpkg -i", "dpkg -r",
	"pip install", "npm install",
	// schedulers
	"crontab", "at ", "batch",
	// mounts and filesystem repair
	"mount", "umount", "fsck", "e2fsck",
	// shell substitution markers
	"`", "$(",
}

// Directories a script may be launched from.
var defaultScriptDirs = []string{
	"/opt/ops-scripts",
	"/usr/local/bin/scripts",
	"/home/ops/scripts",
	"/tmp/ops-scripts",
	"/tmp/apps",
}

var defaultScriptExtensions = []string{"sh", "py", "pl", "rb"}

// Validator holds the configured allow and block rules.
type Validator struct {
	allowedCommands  map[string]struct{}
	blockedPatterns  []string
	maxCommandLength int
	scriptDirs       []string
	scriptExtensions map[string]struct{}
}

// NewValidator builds a Validator with the default rule set.
func NewValidator() *Validator {
	v := &Validator{
		allowedCommands:  make(map[string]struct{}, len(defaultAllowedCommands)),
		blockedPatterns:  append([]string(nil), defaultBlockedPatterns...),
		maxCommandLength: DefaultMaxCommandLength,
		scriptDirs:       append([]string(nil), defaultScriptDirs...),
		scriptExtensions: make(map[string]struct{}, len(defaultScriptExtensions)),
	}
	for _, c := range defaultAllowedCommands {
		v.allowedCommands[c] = struct{}{}
	}
	for _, e := range defaultScriptExtensions {
		v.scriptExtensions[e] = struct{}{}
	}
	return v
}

// SetScriptDirs replaces the allowed script directory prefixes.
func (v *Validator) SetScriptDirs(dirs []string) {
	if len(dirs) > 0 {
		v.scriptDirs = append([]string(nil), dirs...)
	}
}

// SetScriptExtensions replaces the allowed script extensions.
func (v *Validator) SetScriptExtensions(exts []string) {
	if len(exts) == 0 {
		return
	}
	v.scriptExtensions = make(map[string]struct{}, len(exts))
	for _, e := range exts {
		v.scriptExtensions[strings.TrimPrefix(e, ".")] = struct{}{}
	}
}

// AddAllowedCommand adds one bare command name to the allow list.
func (v *Validator) AddAllowedCommand(name string) {
	v.allowedCommands[name] = struct{}{}
}

// AddBlockedPattern adds one substring to the block list.
func (v *Validator) AddBlockedPattern(pattern string) {
	v.blockedPatterns = append(v.blockedPatterns, pattern)
}

// ScriptDirs returns the configured script directory prefixes.
func (v *Validator) ScriptDirs() []string {
	return append([]string(nil), v.scriptDirs...)
}

// Validate classifies command. Gates run in a fixed order: length,
// emptiness, the app-management fast path, the block list, then the head
// token against either the script sub-policy or the allow list.
func (v *Validator) Validate(command string) Decision {
	if len(command) > v.maxCommandLength {
		return blocked("command length exceeds limit: %d > %d", len(command), v.maxCommandLength)
	}

	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return blocked("empty command")
	}

	if v.isAppManagement(command) {
		return v.validateAppManagement(command)
	}

	lower := strings.ToLower(command)
	for _, pattern := range v.blockedPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return blocked("contains blocked pattern: %s", pattern)
		}
	}

	head := strings.Fields(trimmed)[0]
	if v.isScriptPath(head) {
		return v.validateScriptPath(head)
	}
	if _, ok := v.allowedCommands[head]; !ok {
		return blocked("command not in allow list: %s", head)
	}
	return allowed()
}

// isScriptPath treats any token with a path separator, or whose trailing
// dot-segment is an allowed script extension, as a script path. A bare
// token like "sh" therefore routes to the script sub-policy, where it fails
// the absolute-path requirement.
func (v *Validator) isScriptPath(token string) bool {
	return strings.Contains(token, "/") || v.hasScriptExtension(token)
}

func (v *Validator) hasScriptExtension(token string) bool {
	parts := strings.Split(token, ".")
	_, ok := v.scriptExtensions[parts[len(parts)-1]]
	return ok
}

// validateScriptPath applies the script sub-policy: absolute, no traversal
// segments, under an allowed directory prefix, and a whitelisted extension.
func (v *Validator) validateScriptPath(path string) Decision {
	if !strings.HasPrefix(path, "/") {
		return blocked("only absolute script paths may be executed")
	}

	if strings.Contains(path, "../") || strings.Contains(path, "./") {
		return blocked("script path contains traversal segments")
	}

	underAllowed := false
	for _, dir := range v.scriptDirs {
		if strings.HasPrefix(path, dir) {
			underAllowed = true
			break
		}
	}
	if !underAllowed {
		return blocked("script is outside the allowed directories: %v", v.scriptDirs)
	}

	ext := extensionOf(path)
	if ext == "" {
		return blocked("script file must have an extension")
	}
	if _, ok := v.scriptExtensions[ext]; !ok {
		return blocked("script extension not allowed: .%s", ext)
	}
	return allowed()
}

// extensionOf returns the extension of the final path element, without the
// dot, or "" when there is none.
func extensionOf(path string) string {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}
	i := strings.LastIndexByte(base, '.')
	if i < 0 || i == len(base)-1 {
		return ""
	}
	return base[i+1:]
}

// isAppManagement detects the managed-app lifecycle command shapes that get
// their own validation path instead of the generic gates.
func (v *Validator) isAppManagement(command string) bool {
	if strings.Contains(command, "cd /tmp/apps/") &&
		strings.Contains(command, "bash") &&
		strings.Contains(command, ".sh") {
		return true
	}
	return strings.Contains(command, "/tmp/apps/") &&
		(strings.Contains(command, "kill") ||
			strings.Contains(command, "if") ||
			strings.Contains(command, "pid"))
}

// validateAppManagement accepts the known lifecycle shapes (run a script,
// kill by pidfile, probe a pid) and rejects anything carrying a dangerous
// operation. Matching is case-sensitive to mirror what agents enforce.
func (v *Validator) validateAppManagement(command string) Decision {
	if !strings.Contains(command, "/tmp/apps/") {
		return blocked("app management commands must run under /tmp/apps/")
	}

	dangerous := []string{"rm -rf", "format", "dd", "curl", "wget", "nc ", "netcat", "telnet"}
	for _, pattern := range dangerous {
		if strings.Contains(command, pattern) {
			return blocked("app management command contains dangerous operation: %s", pattern)
		}
	}

	runsScript := strings.Contains(command, "bash") && strings.Contains(command, ".sh")
	killsByPidfile := strings.Contains(command, "kill") &&
		strings.Contains(command, "cat") &&
		strings.Contains(command, ".pid")
	probesPid := strings.Contains(command, "ps -p")

	if runsScript || killsByPidfile || probesPid {
		return allowed()
	}
	return blocked("unsupported app management command format")
}

// Sanitize strips shell chaining and substitution characters before
// execution, replacing each of ';', '&&', '||', '|', '`', '$' and '&' with
// a space. Sanitizing a command does not imply it validates.
func Sanitize(command string) string {
	replacer := strings.NewReplacer(
		";", " ",
		"&&", " ",
		"||", " ",
		"|", " ",
		"`", " ",
		"$", " ",
		"&", " ",
	)
	return strings.TrimSpace(replacer.Replace(command))
}
