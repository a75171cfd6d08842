package sandbox

import (
	"fmt"
	"strings"
)

// shellMetacharacters are rejected anywhere in a command line.
const shellMetacharacters = ";&|><`$(){}[]!*?~#"

// DefaultBlockedCommands is used when no block list is configured.
var DefaultBlockedCommands = []string{
	"rm", "rmdir", "mv", "dd", "mkfs", "fdisk",
	"sudo", "su", "doas", "chmod", "chown",
	"shutdown", "reboot", "halt", "poweroff",
	"kill", "killall", "pkill",
	"sh", "bash", "zsh", "eval", "exec",
	"curl", "wget", "nc", "ncat", "ssh", "scp",
}

// Rejection reasons, used as metric labels.
const (
	ReasonEmpty         = "empty"
	ReasonBlocked       = "blocked"
	ReasonNotAllowed    = "not_allowed"
	ReasonMetacharacter = "metacharacter"
)

// RejectionError describes why a command failed validation. It unwraps to ErrRejected.
type RejectionError struct {
	Reason string
	Detail string
}

func (e *RejectionError) Error() string { return ErrRejected.Error() + ": " + e.Detail }
func (e *RejectionError) Unwrap() error { return ErrRejected }

// Validator is a fail-closed command filter. It is not a shell parser.
//
// Deny-first evaluation: the block list is checked first (case-insensitive);
// then, if the allow list is non-empty, the first token must be on it.
// Finally, any shell metacharacter anywhere rejects the command.
type Validator struct {
	allowed map[string]bool
	blocked map[string]bool
}

// NewValidator builds a validator. A nil blocked slice selects DefaultBlockedCommands;
// an empty non-nil slice disables the block list.
func NewValidator(allowed, blocked []string) *Validator {
	if blocked == nil {
		blocked = DefaultBlockedCommands
	}
	v := &Validator{
		allowed: make(map[string]bool, len(allowed)),
		blocked: make(map[string]bool, len(blocked)),
	}
	for _, a := range allowed {
		if a = strings.TrimSpace(a); a != "" {
			v.allowed[a] = true
		}
	}
	for _, b := range blocked {
		if b = strings.TrimSpace(b); b != "" {
			v.blocked[strings.ToLower(b)] = true
		}
	}
	return v
}

// Validate returns nil if the command may be executed, or a *RejectionError.
func (v *Validator) Validate(command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return &RejectionError{Reason: ReasonEmpty, Detail: "empty command"}
	}
	first := fields[0]

	if v.blocked[strings.ToLower(first)] {
		return &RejectionError{Reason: ReasonBlocked, Detail: fmt.Sprintf("command %q is blocked", first)}
	}
	if len(v.allowed) > 0 && !v.allowed[first] {
		return &RejectionError{Reason: ReasonNotAllowed, Detail: fmt.Sprintf("command %q is not in the allow list", first)}
	}
	if i := strings.IndexAny(command, shellMetacharacters); i >= 0 {
		return &RejectionError{Reason: ReasonMetacharacter, Detail: fmt.Sprintf("disallowed character %q at offset %d", command[i], i)}
	}
	return nil
}
