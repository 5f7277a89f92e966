package tools

import (
	"fmt"
	"path"
	"slices"
	"strings"
)

// SafetyLevel classifies what a shell command may do. Levels are ordered;
// a compound command takes the highest level of its parts.
type SafetyLevel int

const (
	SafetySafe          SafetyLevel = iota // read-only
	SafetyWorkspace                        // modifies files, normally inside the workspace
	SafetyNeedsApproval                    // unknown, networked, privileged or destructive
	SafetyDangerous                        // never executed
)

func (l SafetyLevel) String() string {
	switch l {
	case SafetySafe:
		return "safe"
	case SafetyWorkspace:
		return "workspace"
	case SafetyNeedsApproval:
		return "needs_approval"
	case SafetyDangerous:
		return "dangerous"
	}
	return fmt.Sprintf("SafetyLevel(%d)", int(l))
}

// SafetyAnalysis is the verdict on one command.
type SafetyAnalysis struct {
	Level       SafetyLevel
	Reasons     []string
	Suggestions []string
}

func (a *SafetyAnalysis) raise(level SafetyLevel, reason string) {
	if level > a.Level {
		a.Level = level
	}
	if reason != "" && !slices.Contains(a.Reasons, reason) {
		a.Reasons = append(a.Reasons, reason)
	}
}

// blockedError is the tool error returned instead of running a dangerous
// command.
func (a SafetyAnalysis) blockedError() *ToolError {
	msg := "BLOCKED: this command was blocked for safety reasons. Reasons: " + strings.Join(a.Reasons, "; ")
	if len(a.Suggestions) > 0 {
		msg += ". Suggestions: " + strings.Join(a.Suggestions, "; ")
	}
	return NewToolError(ErrBlocked, msg)
}

// dangerousFragments are matched against the lowercased command with runs
// of whitespace collapsed.
var dangerousFragments = []struct{ fragment, reason string }{
	{":(){ :|:& };:", "fork bomb"},
	{":(){:|:&};:", "fork bomb"},
	{"of=/dev/sd", "overwrites a disk device"},
	{"of=/dev/nvme", "overwrites a disk device"},
	{"of=/dev/disk", "overwrites a disk device"},
	{"> /dev/sd", "overwrites a disk device"},
	{"> /dev/nvme", "overwrites a disk device"},
	{"docker system prune -a", "removes all Docker data"},
	{"docker rm -f $(docker ps -aq)", "removes all Docker containers"},
	{"mv /* ", "moves the root filesystem"},
}

var systemCommands = map[string]string{
	"shutdown": "shuts the system down",
	"reboot":   "reboots the system",
	"halt":     "halts the system",
	"poweroff": "powers the system off",
	"killall":  "kills processes by name",
	"pkill":    "kills processes by pattern",
}

var privilegedCommands = []string{"sudo", "su", "doas", "pkexec", "gksudo", "kdesudo"}

var shellInterpreters = []string{"sh", "bash", "zsh", "dash", "ksh", "fish"}

var networkCommands = []string{
	"curl", "wget", "fetch", "nc", "netcat", "ncat", "ssh", "scp", "sftp", "rsync",
	"ftp", "ping", "traceroute", "nslookup", "dig", "host", "nmap", "masscan", "tcpdump",
}

// readOnlyCommands never modify anything. Entries with a space name a
// subcommand.
var readOnlyCommands = []string{
	"ls", "pwd", "cd", "cat", "head", "tail", "less", "more", "grep", "egrep", "fgrep",
	"rg", "ag", "fd", "find", "sed", "tree", "which", "whereis", "type", "echo", "printf",
	"date", "cal", "uptime", "whoami", "id", "hostname", "uname", "printenv", "ps", "df",
	"du", "free", "wc", "sort", "uniq", "cut", "tr", "diff", "file", "stat", "basename",
	"dirname", "realpath", "md5sum", "sha1sum", "sha256sum", "true", "false",
	"git status", "git log", "git diff", "git show", "git blame", "git branch",
	"git rev-parse", "git ls-files", "git remote", "git tag", "git stash list",
	"go version", "go env", "go list", "go doc", "go vet",
	"npm list", "npm ls", "npm outdated", "npm view",
	"python --version", "node --version", "rustc --version", "man",
}

// writingFlags turn an otherwise read-only command into one that writes
// or runs other programs.
var writingFlags = map[string][]string{
	"find":       {"-exec", "-execdir", "-ok", "-okdir", "-delete", "-fprint", "-fprintf", "-fls"},
	"sed":        {"--in-place"},
	"sort":       {"-o", "--output"},
	"git branch": {"-d", "-D", "-m", "-M", "--delete", "--move"},
	"git remote": {"add", "remove", "rm", "rename", "set-url"},
	"git tag":    {"-d", "--delete", "-a", "-s"},
}

var workspaceCommands = []string{
	"mkdir", "touch", "cp", "mv", "ln",
	"git add", "git commit", "git checkout", "git switch", "git restore", "git merge",
	"git rebase", "git cherry-pick", "git stash", "git reset --soft",
	"go build", "go test", "go run", "go fmt", "go mod", "go generate",
	"npm install", "npm ci", "npm update", "npm test", "npm run",
	"cargo build", "cargo run", "cargo test", "cargo fmt", "cargo check", "cargo doc",
	"pip install", "pip uninstall", "make", "cmake", "ninja",
}

// AnalyzeCommand classifies command before it runs. The split into
// segments is not quote-aware, which can only raise the level.
func AnalyzeCommand(command string) SafetyAnalysis {
	a := SafetyAnalysis{Level: SafetySafe}
	normalized := strings.ToLower(strings.Join(strings.Fields(command), " "))
	if normalized == "" {
		a.raise(SafetyNeedsApproval, "empty command")
		return a
	}

	for _, d := range dangerousFragments {
		if strings.Contains(normalized, d.fragment) {
			a.raise(SafetyDangerous, d.reason)
		}
	}
	if strings.Contains(normalized, "mkfs") {
		a.raise(SafetyDangerous, "formats a filesystem")
	}
	if strings.Contains(command, "$(") || strings.Contains(command, "`") || strings.Contains(command, "<(") {
		a.raise(SafetyNeedsApproval, "uses command substitution")
	}

	segments := splitCommandSegments(command)
	fetched := false
	for i, seg := range segments {
		words, privileged := commandWords(seg.text)
		if len(words) == 0 {
			continue
		}
		if privileged {
			a.raise(SafetyNeedsApproval, "uses privileged execution")
		}
		name := path.Base(words[0])
		if slices.Contains(networkCommands, name) {
			fetched = fetched || name == "curl" || name == "wget" || name == "fetch"
		}
		if i > 0 && seg.piped && fetched && slices.Contains(shellInterpreters, name) {
			a.raise(SafetyDangerous, "pipes remote content into a shell")
			a.Suggestions = append(a.Suggestions, "download the script and review it before running it")
		}
		analyzeSegment(&a, name, words)
		if seg.redirects {
			a.raise(SafetyWorkspace, "redirects output to a file")
		}
	}
	if a.Level == SafetyDangerous && len(a.Suggestions) == 0 {
		a.Suggestions = append(a.Suggestions, "review the command and run it yourself if it is intended")
	}
	return a
}

func analyzeSegment(a *SafetyAnalysis, name string, words []string) {
	lower := make([]string, len(words))
	for i, w := range words {
		lower[i] = strings.ToLower(w)
	}
	args := lower[1:]

	if reason, ok := systemCommands[name]; ok {
		a.raise(SafetyDangerous, reason)
		return
	}
	switch name {
	case "init":
		if slices.Contains(args, "0") || slices.Contains(args, "6") {
			a.raise(SafetyDangerous, "changes the system runlevel")
			return
		}
	case "kill":
		if slices.Contains(args, "1") || slices.Contains(args, "-1") {
			a.raise(SafetyDangerous, "signals init or every process")
			return
		}
	case "rm":
		analyzeRemoval(a, args)
		return
	case "chmod", "chown", "chgrp":
		if hasFlag(args, "r", "--recursive") {
			if slices.ContainsFunc(args, isSystemTarget) {
				a.raise(SafetyDangerous, "recursively changes permissions outside the workspace")
				return
			}
			a.raise(SafetyNeedsApproval, "recursively changes permissions")
			return
		}
	case "dd":
		a.raise(SafetyNeedsApproval, "writes raw data")
		return
	case "git":
		if len(args) > 0 && args[0] == "push" {
			if hasFlag(args, "f", "--force") || slices.Contains(args, "--force-with-lease") {
				a.raise(SafetyNeedsApproval, "force push can overwrite remote history")
			} else {
				a.raise(SafetyNeedsApproval, "modifies a remote repository")
			}
			return
		}
	}
	if slices.Contains(networkCommands, name) {
		a.raise(SafetyNeedsApproval, "may make network requests")
		return
	}

	if cmd, ok := matchCommand(readOnlyCommands, name, args); ok {
		if hasWritingOption(cmd, args) {
			a.raise(SafetyWorkspace, cmd+" with a writing option")
			return
		}
		if slices.ContainsFunc(args, leavesWorkspace) {
			a.raise(SafetyNeedsApproval, "references paths outside the working directory")
		}
		return
	}
	if _, ok := matchCommand(workspaceCommands, name, args); ok {
		a.raise(SafetyWorkspace, "modifies files in the workspace")
		return
	}
	a.raise(SafetyNeedsApproval, "unknown command")
}

// hasWritingOption reports whether args carry an option that makes cmd
// write files or run other programs.
func hasWritingOption(cmd string, args []string) bool {
	if cmd == "sed" && hasFlag(args, "i", "--in-place") {
		return true
	}
	for _, arg := range args {
		for _, f := range writingFlags[cmd] {
			f = strings.ToLower(f)
			if arg == f || strings.HasPrefix(arg, f+"=") {
				return true
			}
		}
	}
	return false
}

func analyzeRemoval(a *SafetyAnalysis, args []string) {
	recursive := hasFlag(args, "r", "--recursive")
	force := hasFlag(args, "f", "--force")
	if recursive && slices.ContainsFunc(args, isSystemTarget) {
		a.raise(SafetyDangerous, "recursively deletes outside the workspace")
		a.Suggestions = append(a.Suggestions, "use relative paths within the workspace")
		return
	}
	if recursive || force {
		a.raise(SafetyNeedsApproval, "recursive or forced deletion")
		return
	}
	a.raise(SafetyWorkspace, "deletes files")
}

// matchCommand finds the entry naming this command, or its subcommand.
func matchCommand(list []string, name string, args []string) (string, bool) {
	if len(args) > 0 {
		sub := name + " " + args[0]
		if len(args) > 1 && slices.Contains(list, sub+" "+args[1]) {
			return sub + " " + args[1], true
		}
		if slices.Contains(list, sub) {
			return sub, true
		}
	}
	switch name {
	case "git", "go", "npm", "cargo", "pip", "python", "node", "rustc":
		// Only listed subcommands count.
		return "", false
	}
	return name, slices.Contains(list, name)
}

// hasFlag reports whether args carry the short flag (alone or combined,
// as in -rf) or the long form.
func hasFlag(args []string, short, long string) bool {
	for _, arg := range args {
		if arg == long {
			return true
		}
		if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") && strings.Contains(arg, short) {
			return true
		}
	}
	return false
}

// isSystemTarget is true for the filesystem root, the home directory and
// anything reached through "..".
func isSystemTarget(arg string) bool {
	if strings.HasPrefix(arg, "-") {
		return false
	}
	switch trimmed := strings.TrimRight(arg, "/*"); {
	case trimmed == "", trimmed == "~", trimmed == "$home", trimmed == "${home}":
		return true
	case strings.HasPrefix(arg, "/") && !strings.Contains(trimmed[1:], "/"):
		return true // a top-level directory such as /usr
	}
	return strings.HasPrefix(arg, "~/") || strings.HasPrefix(arg, "$home/") ||
		strings.HasPrefix(arg, "${home}/") || hasParentRef(arg)
}

func leavesWorkspace(arg string) bool {
	if strings.HasPrefix(arg, "-") {
		return false
	}
	return strings.HasPrefix(arg, "/") || strings.HasPrefix(arg, "~") ||
		strings.HasPrefix(arg, "$") || hasParentRef(arg)
}

// hasParentRef reports a ".." path element. Go's "./..." is not one.
func hasParentRef(arg string) bool {
	for part := range strings.SplitSeq(arg, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

type commandSegment struct {
	text      string
	piped     bool // reads the previous segment's output
	redirects bool
}

// splitCommandSegments splits on ; & && || | and newlines.
func splitCommandSegments(command string) []commandSegment {
	var segs []commandSegment
	var cur strings.Builder
	piped := false
	flush := func(nextPiped bool) {
		text := cur.String()
		cur.Reset()
		segs = append(segs, commandSegment{text: text, piped: piped, redirects: writesFile(text)})
		piped = nextPiped
	}
	for i := 0; i < len(command); i++ {
		switch c := command[i]; c {
		case ';', '\n':
			flush(false)
		case '&':
			if i+1 < len(command) && command[i+1] == '&' {
				i++
			} else if i > 0 && command[i-1] == '>' {
				cur.WriteByte(c) // 2>&1
				continue
			}
			flush(false)
		case '|':
			if i+1 < len(command) && command[i+1] == '|' {
				i++
				flush(false)
				continue
			}
			flush(true)
		default:
			cur.WriteByte(c)
		}
	}
	flush(false)
	return segs
}

// writesFile reports an output redirection to something other than
// /dev/null or another descriptor.
func writesFile(seg string) bool {
	for i := 0; i < len(seg); i++ {
		if seg[i] != '>' {
			continue
		}
		rest := strings.TrimLeft(seg[i+1:], ">")
		if strings.HasPrefix(rest, "&") {
			continue
		}
		target := strings.Fields(rest)
		if len(target) == 0 || target[0] != "/dev/null" {
			return true
		}
	}
	return false
}

// commandWords returns the words of a segment after any leading variable
// assignments and privilege wrappers, and whether a wrapper was present.
// Redirections are dropped.
func commandWords(seg string) ([]string, bool) {
	var words []string
	fields := strings.Fields(seg)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if strings.ContainsAny(f, "<>") {
			if strings.HasSuffix(f, ">") || strings.HasSuffix(f, "<") {
				i++ // the target is the next field
			}
			continue
		}
		words = append(words, f)
	}

	privileged := false
	for len(words) > 0 {
		w := words[0]
		switch {
		case slices.Contains(privilegedCommands, path.Base(w)):
			privileged = true
			words = words[1:]
			for len(words) > 0 && strings.HasPrefix(words[0], "-") {
				words = words[1:]
			}
		case w == "env" || w == "command" || w == "exec" || w == "nohup" || w == "time":
			words = words[1:]
		case strings.Contains(w, "=") && !strings.HasPrefix(w, "-") && !strings.HasPrefix(w, "="):
			words = words[1:]
		default:
			return words, privileged
		}
	}
	return words, privileged
}
