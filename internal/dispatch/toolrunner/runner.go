package toolrunner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/audit"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/degradation"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/dispatcherr"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/safety"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/toolreg"
)

// Result is what Invoke returns to the Dispatcher: the content to feed back
// to the model, whether the tool itself reported an error, and whether the
// call was served from the Degradation Manager's offline cache.
type Result struct {
	Content   string
	IsError   bool
	Cached    bool
	CachedAt  time.Time
	DurationMS int64
}

// Runner is the Tool Runner: it owns rate limiting exclusively (spec.md
// section 3, "Ownership") and sequences permission check, input validation,
// safety sanitization, dispatch, output sanitization, audit, and caching for
// a single tool invocation, grounded on the teacher's internal/agent tool
// execution loop and original_source's server/services/tools.py and
// server/services/audit.py.
type Runner struct {
	registry *toolreg.Registry
	limiter  *RateLimiter
	degrader *degradation.Manager
	auditLog *audit.Log
	log      *zerolog.Logger

	sandboxDir   string
	workspaceDir string
	sandboxTimeout time.Duration
}

// New returns a Runner wired to registry, degrader, and auditLog.
func New(registry *toolreg.Registry, degrader *degradation.Manager, auditLog *audit.Log, sandboxDir, workspaceDir string, log *zerolog.Logger) *Runner {
	return &Runner{
		registry:       registry,
		limiter:        NewRateLimiter(),
		degrader:       degrader,
		auditLog:       auditLog,
		log:            log,
		sandboxDir:     sandboxDir,
		workspaceDir:   workspaceDir,
		sandboxTimeout: 30 * time.Second,
	}
}

// Invoke runs the full Tool Runner pipeline from spec.md section 4.4 step 9:
// permission check, rate limit, input validation + safety sanitization,
// dispatch, output sanitization, audit append, and (on success, for
// cacheable+network-dependent tools) cache population. A caller-visible
// error is only ever a *dispatcherr.Error; a tool-level failure is reported
// as Result{IsError: true} instead, since it is not fatal to the request.
func (r *Runner) Invoke(ctx context.Context, toolName string, rawInput json.RawMessage, callerPermission models.PermissionLevel, userIP string) (Result, error) {
	start := time.Now()

	spec, ok := r.registry.Get(toolName)
	if !ok {
		return Result{}, dispatcherr.New(dispatcherr.KindUnknownTool, nil).WithMessage("unknown tool: " + toolName)
	}

	if callerPermission < spec.RequiredPermission {
		return r.finish(start, toolName, rawInput, false, "", false, userIP,
			dispatcherr.New(dispatcherr.KindPermissionRequired, nil).
				WithMessage("tool "+toolName+" requires "+spec.RequiredPermission.String()).
				WithEscalation(&dispatcherr.Escalation{
					CurrentLevel:     callerPermission.String(),
					RequiredLevel:    spec.RequiredPermission.String(),
					PendingToolName:  toolName,
					PendingToolInput: rawInput,
				}))
	}

	if allowed, retryAfter := r.limiter.Allow(toolName); !allowed {
		return r.finish(start, toolName, rawInput, false, "", true, userIP,
			dispatcherr.New(dispatcherr.KindRateLimited, nil).
				WithMessage("rate limit exceeded for "+toolName).
				WithRetryAfter(int(retryAfter)+1))
	}

	if err := r.registry.ValidateInput(toolName, rawInput); err != nil {
		return r.finish(start, toolName, rawInput, false, "", true, userIP,
			dispatcherr.New(dispatcherr.KindUnsafeInput, err).WithMessage("invalid input for " + toolName))
	}

	var args map[string]any
	_ = json.Unmarshal(rawInput, &args)

	if reason, ok := r.sanitizeArgs(toolName, args); !ok {
		return r.finish(start, toolName, rawInput, false, "", true, userIP,
			dispatcherr.New(dispatcherr.KindUnsafeInput, nil).WithMessage(reason))
	}

	argsHash := audit.HashArgs(args)

	if spec.NetworkDependent && r.degrader.IsOffline() {
		if spec.Cacheable {
			if cached, cachedAt, ok := r.degrader.GetCachedToolResult(toolName, argsHash); ok {
				content, _ := cached.(string)
				r.appendAudit(start, toolName, argsHash, content, true, false, userIP)
				return Result{Content: content, Cached: true, CachedAt: cachedAt}, nil
			}
		}
		return Result{}, dispatcherr.New(dispatcherr.KindOffline, nil).WithMessage("no network and no cached result for " + toolName)
	}

	content, isError, err := r.dispatch(ctx, spec, rawInput)
	if err != nil {
		return r.finish(start, toolName, rawInput, false, "", false, userIP, err)
	}

	sanitizedContent := safety.SanitizeToolOutput(content, 0)

	if !isError && spec.Cacheable && spec.NetworkDependent {
		r.degrader.CacheToolResult(toolName, argsHash, sanitizedContent)
	}

	r.appendAudit(start, toolName, argsHash, sanitizedContent, !isError, false, userIP)

	return Result{
		Content:    sanitizedContent,
		IsError:    isError,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// dispatch runs the tool. The run_shell_command builtin is executed by the
// runner itself under the sandbox launcher, without calling its Handler;
// every other tool runs as an ordinary in-process handler call. spec.md section 4.5's "sandboxed
// execution" applies only to the run_shell_command builtin, so the shape
// check happens by name rather than by a dedicated Spec field, matching the
// teacher's dispatch-by-name builtin tool table.
func (r *Runner) dispatch(ctx context.Context, spec toolreg.Spec, rawInput json.RawMessage) (string, bool, error) {
	if spec.Name == "run_shell_command" {
		return r.dispatchShell(ctx, rawInput)
	}

	content, isError, err := spec.Handler(ctx, rawInput)
	if err != nil {
		return "", false, dispatcherr.New(dispatcherr.ClassifyAdapterError(err), err)
	}
	return content, isError, nil
}

func (r *Runner) dispatchShell(ctx context.Context, rawInput json.RawMessage) (string, bool, error) {
	var payload struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(rawInput, &payload); err != nil {
		return "", false, dispatcherr.New(dispatcherr.KindUnsafeInput, err).WithMessage("invalid run_shell_command input")
	}

	sanitized, ok := safety.SanitizeShell(payload.Command)
	if !ok {
		return "command rejected: contains disallowed metacharacters or a destructive pattern", true, nil
	}

	result, err := safety.Run(ctx, sanitized, r.sandboxDir, r.sandboxTimeout, 0)
	if err != nil {
		if err == safety.ErrSandboxTimeout {
			return "", false, dispatcherr.New(dispatcherr.KindTimeout, err).WithMessage("run_shell_command timed out")
		}
		return "", false, dispatcherr.New(dispatcherr.KindInternal, err)
	}

	if result.ExitCode != 0 {
		return result.Stderr, true, nil
	}
	return result.Stdout, false, nil
}

// sanitizeArgs applies the Safety Layer's shape-specific checks to whichever
// of a tool's arguments look like a path or a URL, by convention on argument
// name ("path"/"file_path"/"directory" and "url"), matching original_source's
// validate_tool_args dispatch table.
func (r *Runner) sanitizeArgs(toolName string, args map[string]any) (reason string, ok bool) {
	for _, key := range []string{"path", "file_path", "directory"} {
		v, exists := args[key]
		if !exists {
			continue
		}
		p, isStr := v.(string)
		if !isStr {
			continue
		}
		roots := safety.AllowedRootsForPermission("LOCAL", r.sandboxDir, r.workspaceDir)
		if _, ok, reason := safety.ValidatePath(p, roots); !ok {
			return reason, false
		}
	}

	if v, exists := args["url"]; exists {
		if u, isStr := v.(string); isStr {
			if ok, reason := safety.ValidateURL(u); !ok {
				return reason, false
			}
		}
	}

	return "", true
}

func (r *Runner) finish(start time.Time, toolName string, rawInput json.RawMessage, success bool, content string, rateLimited bool, userIP string, err error) (Result, error) {
	var args map[string]any
	_ = json.Unmarshal(rawInput, &args)
	argsHash := audit.HashArgs(args)
	r.appendAudit(start, toolName, argsHash, content, success, rateLimited, userIP)
	return Result{}, err
}

func (r *Runner) appendAudit(start time.Time, toolName, argsHash, content string, success, rateLimited bool, userIP string) {
	if r.auditLog == nil {
		return
	}
	entry := models.AuditEntry{
		Timestamp:     time.Now(),
		ToolName:      toolName,
		ArgsHash:      argsHash,
		ResultSummary: audit.SummarizeResult(content),
		Success:       success,
		DurationMS:    time.Since(start).Milliseconds(),
		Sandboxed:     toolName == "run_shell_command",
		RateLimited:   rateLimited,
		UserIP:        userIP,
	}
	if err := r.auditLog.Append(entry); err != nil && r.log != nil {
		r.log.Error().Err(err).Str("tool", toolName).Msg("failed to append audit entry")
	}
}
