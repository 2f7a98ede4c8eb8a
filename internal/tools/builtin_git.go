package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const gitCommandTimeout = 60 * time.Second

// Subcommand allowlists. Anything not listed is refused; mutating
// subcommands additionally require a writable invocation.
var (
	gitReadSubcommands = map[string]bool{
		"status": true, "log": true, "diff": true, "show": true,
		"branch": true, "tag": true, "remote": true, "ls-files": true,
		"rev-parse": true, "shortlog": true, "describe": true, "blame": true,
	}
	gitWriteSubcommands = map[string]bool{
		"add": true, "commit": true, "push": true, "pull": true,
		"fetch": true, "checkout": true, "switch": true, "restore": true,
		"mv": true, "rm": true, "revert": true, "merge": true,
	}
)

// credentialRe masks embedded tokens in remote URLs before output
// reaches the model or a chat transcript.
var credentialRe = regexp.MustCompile(`(https?://)[^/\s@]+@`)

func redactCredentials(s string) string {
	return credentialRe.ReplaceAllString(s, "${1}***@")
}

func gitCommandSpec() Spec {
	return Spec{
		Name:        "git_command",
		Description: "Run a git subcommand in the knowledge base repository. Pass args as an array, e.g. [\"log\", \"--oneline\", \"-5\"].",
		InputSchema: objectSchema(map[string]any{
			"args": map[string]any{
				"type":        "array",
				"description": "Git subcommand and its arguments.",
				"items":       map[string]any{"type": "string"},
			},
		}, "args"),
		Handler: func(ctx context.Context, inv Invocation, args map[string]any) Result {
			raw, ok := args["args"].([]any)
			if !ok || len(raw) == 0 {
				return Fail("args must be a non-empty array, e.g. [\"status\"]")
			}
			gitArgs := make([]string, 0, len(raw))
			for _, a := range raw {
				s, ok := a.(string)
				if !ok {
					return Fail("args must contain only strings")
				}
				gitArgs = append(gitArgs, s)
			}

			sub := gitArgs[0]
			switch {
			case gitReadSubcommands[sub]:
			case gitWriteSubcommands[sub]:
				if inv.ReadOnly {
					return Failf("git %s is not allowed in read-only mode", sub)
				}
			default:
				return Failf("git subcommand %q is not allowed", sub)
			}

			cctx, cancel := context.WithTimeout(ctx, gitCommandTimeout)
			defer cancel()

			cmd := exec.CommandContext(cctx, "git", gitArgs...)
			cmd.Dir = inv.KBRoot
			cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			err := cmd.Run()

			out := formatCommandOutput(stdout.String(), stderr.String())
			out = redactCredentials(out)
			if err != nil {
				return Failf("git %s failed: %v\n%s", sub, err, truncateOutput(out))
			}
			return OK(truncateOutput(out))
		},
	}
}

// formatCommandOutput combines stdout and stderr the way the shell tool
// reports them.
func formatCommandOutput(stdout, stderr string) string {
	stdout = strings.TrimRight(stdout, "\n")
	stderr = strings.TrimRight(stderr, "\n")
	switch {
	case stdout == "" && stderr == "":
		return "(command completed with no output)"
	case stderr == "":
		return stdout
	case stdout == "":
		return "STDERR:\n" + stderr
	default:
		return fmt.Sprintf("%s\n\nSTDERR:\n%s", stdout, stderr)
	}
}
