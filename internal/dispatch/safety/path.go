package safety

import (
	"path/filepath"
	"strings"
)

// sensitiveNamePatterns is the fixed blocklist of sensitive path fragments.
var sensitiveNamePatterns = []string{
	".env",
	"secrets",
	"credentials",
	"private_key",
	"id_rsa",
	".ssh",
	"password",
}

// ValidatePath resolves p (following symlinks via filepath.EvalSymlinks at
// the call site is the caller's responsibility when the path must exist;
// here we only resolve lexically via filepath.Clean/Abs so the check also
// works for paths that don't exist yet) and verifies it is contained under
// one of allowedRoots and does not match the sensitive-name blocklist.
func ValidatePath(p string, allowedRoots []string) (resolved string, ok bool, reason string) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p, false, "cannot resolve path"
	}
	resolved = filepath.Clean(abs)

	if len(allowedRoots) > 0 {
		contained := false
		for _, root := range allowedRoots {
			rootAbs, err := filepath.Abs(root)
			if err != nil {
				continue
			}
			rootAbs = filepath.Clean(rootAbs)
			if resolved == rootAbs || strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
				contained = true
				break
			}
		}
		if !contained {
			return resolved, false, "path outside allowed roots"
		}
	}

	lower := strings.ToLower(resolved)
	for _, pattern := range sensitiveNamePatterns {
		if strings.Contains(lower, pattern) {
			return resolved, false, "access to sensitive file denied"
		}
	}

	return resolved, true, ""
}

// AllowedRootsForPermission returns the filesystem roots a tool at the
// given permission level may touch. SANDBOX is confined to its own data
// directory; LOCAL extends to the workspace; SYSTEM and FULL have no
// path containment of their own (the permission check itself is the gate).
func AllowedRootsForPermission(level string, sandboxDir, workspaceDir string) []string {
	switch level {
	case "SANDBOX":
		return []string{sandboxDir}
	case "LOCAL":
		return []string{sandboxDir, workspaceDir}
	default:
		return nil
	}
}
