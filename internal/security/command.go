package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"unicode"
)

// shellMeta are characters that only mean something to a shell. A
// command name containing one is an attempt to smuggle a pipeline
// through an exec call.
const shellMeta = ";|&$`<>(){}\n\r*?"

var shells = []string{"sh", "bash", "zsh", "dash", "ksh", "fish", "csh", "tcsh", "cmd", "cmd.exe", "powershell", "pwsh"}

// ValidateCommand vets a subprocess command line. The deny list applies
// to everyone; the executable allow-list and the shell restrictions are
// skipped for trusted servers.
func (p *Policy) ValidateCommand(command string, args []string, trusted bool) error {
	if strings.TrimSpace(command) == "" {
		return errors.New("empty command")
	}

	line := strings.ToLower(strings.Join(append([]string{command}, args...), " "))
	for _, denied := range p.DeniedPatterns {
		if denied != "" && deniedMatch(line, strings.ToLower(denied)) {
			return fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}

	if strings.ContainsAny(command, shellMeta) || strings.ContainsAny(command, " \t") {
		return fmt.Errorf("command blocked by security policy: %q contains shell syntax", command)
	}

	if trusted {
		return nil
	}

	base := filepath.Base(command)
	if slices.Contains(shells, strings.ToLower(base)) {
		for _, a := range args {
			if a == "-c" || a == "/c" || strings.EqualFold(a, "-command") {
				return fmt.Errorf("command blocked by security policy: %s -c requires a trusted server", base)
			}
		}
	}

	for _, allowed := range p.AllowedCommands {
		if command == allowed || base == allowed {
			return nil
		}
	}
	return fmt.Errorf("command blocked by security policy: %q is not on the allow-list and the server is not trusted", command)
}

// deniedMatch reports whether a lowercased command line hits a deny
// pattern. A bare word such as "reboot" only matches a program name on
// the line (reboot, /sbin/reboot, mkfs.ext4), so flags that merely
// contain the word pass. Any other pattern matches as a substring.
func deniedMatch(line, pattern string) bool {
	if !isWord(pattern) {
		return strings.Contains(line, pattern)
	}
	for _, field := range strings.FieldsFunc(line, isCommandSeparator) {
		base := field[strings.LastIndexByte(field, '/')+1:]
		if base == pattern || strings.HasPrefix(base, pattern+".") {
			return true
		}
	}
	return false
}

func isCommandSeparator(r rune) bool {
	return unicode.IsSpace(r) || strings.ContainsRune(";|&()`'\"", r)
}

func isWord(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}
