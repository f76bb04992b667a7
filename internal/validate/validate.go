// Package validate holds the structural input checks that run before any
// network or channel operation. Every check is a pure function returning a
// ValidationError-kinded error naming the offending field, so callers can
// short-circuit with no partial side effects.
package validate

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"alpacon-mcp/internal/errkind"
)

// Regions the platform currently serves. Workspace API hosts are
// {workspace}.{region}.alpacon.io.
var validRegions = map[string]struct{}{
	"ap1": {},
	"us1": {},
	"eu1": {},
	"dev": {},
}

var workspaceRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,63}$`)

// Shell metacharacters rejected in remote paths. Paths travel to a remote
// shell-adjacent API, so anything that could break out of a quoted argument
// is refused outright rather than escaped.
const pathMetaChars = "`$;|&<>"

const maxCommandLen = 32 * 1024

// Region checks membership in the fixed region set.
func Region(region string) error {
	if _, ok := validRegions[region]; !ok {
		return errkind.New(errkind.ValidationError,
			"region: %q is not a valid region (expected one of ap1, us1, eu1, dev)", region)
	}
	return nil
}

// Regions returns the valid region codes, for tool descriptions and prompts.
func Regions() []string {
	return []string{"ap1", "us1", "eu1", "dev"}
}

// Workspace checks the workspace name: letters, digits, hyphen, underscore,
// length 1-63.
func Workspace(workspace string) error {
	if workspace == "" {
		return errkind.New(errkind.ValidationError, "workspace: parameter is required")
	}
	if !workspaceRe.MatchString(workspace) {
		return errkind.New(errkind.ValidationError,
			"workspace: %q is malformed (letters, digits, hyphen, underscore; 1-63 chars)", workspace)
	}
	return nil
}

// ServerID checks that the value parses as a UUID.
func ServerID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errkind.New(errkind.ValidationError,
			"server_id: %q is not a UUID (e.g. 550e8400-e29b-41d4-a716-446655440000)", id)
	}
	return nil
}

// ServerIDs checks every entry of a server id list, reporting the first
// offender.
func ServerIDs(ids []string) error {
	if len(ids) == 0 {
		return errkind.New(errkind.ValidationError, "server_ids: at least one server id is required")
	}
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return errkind.New(errkind.ValidationError,
				"server_ids: %q is not a UUID (each entry must be a UUID)", id)
		}
	}
	return nil
}

// SessionID checks a websh session id, which the API issues as a UUID.
func SessionID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errkind.New(errkind.ValidationError, "session_id: %q is not a UUID", id)
	}
	return nil
}

// CommandID checks a background command id, which the API issues as a UUID.
func CommandID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errkind.New(errkind.ValidationError, "command_id: %q is not a UUID", id)
	}
	return nil
}

// RemotePath checks a path destined for a remote filesystem: absolute, no
// parent-directory segment, no NUL bytes, no newline or shell metacharacter
// injection.
func RemotePath(path string) error {
	return checkPath("remote_path", path)
}

// Path applies the RemotePath rules under a caller-supplied field name, for
// tools whose path parameters carry other names.
func Path(field, path string) error {
	return checkPath(field, path)
}

func checkPath(field, path string) error {
	if path == "" {
		return errkind.New(errkind.ValidationError, "%s: parameter is required", field)
	}
	if !strings.HasPrefix(path, "/") {
		return errkind.New(errkind.ValidationError, "%s: %q must be an absolute path", field, path)
	}
	if strings.ContainsRune(path, 0) {
		return errkind.New(errkind.ValidationError, "%s: path contains a NUL byte", field)
	}
	if strings.ContainsAny(path, "\r\n") {
		return errkind.New(errkind.ValidationError, "%s: path contains a line break", field)
	}
	if strings.ContainsAny(path, pathMetaChars) {
		return errkind.New(errkind.ValidationError,
			"%s: path contains a shell metacharacter (one of %s)", field, pathMetaChars)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return errkind.New(errkind.ValidationError,
				"%s: %q contains a parent-directory segment", field, path)
		}
	}
	return nil
}

// Command checks command text before it is framed onto a channel: non-empty,
// no NUL bytes, bounded length.
func Command(command string) error {
	if strings.TrimSpace(command) == "" {
		return errkind.New(errkind.ValidationError, "command: parameter is required")
	}
	if strings.ContainsRune(command, 0) {
		return errkind.New(errkind.ValidationError, "command: contains a NUL byte")
	}
	if len(command) > maxCommandLen {
		return errkind.New(errkind.ValidationError,
			"command: %d bytes exceeds the %d byte limit", len(command), maxCommandLen)
	}
	return nil
}

// Username checks an optional remote username; empty means the server-side
// default account.
func Username(username string) error {
	if username == "" {
		return nil
	}
	if !workspaceRe.MatchString(username) {
		return errkind.New(errkind.ValidationError,
			"username: %q is malformed (letters, digits, hyphen, underscore; 1-63 chars)", username)
	}
	return nil
}

// Target runs the common preamble checks for a (region, workspace, server)
// triple in the order tools apply them: region, workspace, then server id.
// serverID may be empty for tools that address the whole workspace.
func Target(region, workspace, serverID string) error {
	if err := Region(region); err != nil {
		return err
	}
	if err := Workspace(workspace); err != nil {
		return err
	}
	if serverID != "" {
		if err := ServerID(serverID); err != nil {
			return err
		}
	}
	return nil
}
