package tools

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const shellTimeout = 60 * time.Second

// shellDenyPatterns blocks command shapes that have no business in a
// note-keeping workspace: destruction, exfiltration, shells back out,
// privilege games, secret dumps.
var shellDenyPatterns = []*regexp.Regexp{
	// destructive file and disk operations
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// piping downloads into a shell, outbound uploads
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bcurl\b.*(-d\b|-F\b|--data|--upload|--form|-T\b|-X\s*P(UT|OST|ATCH))`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*--post-(data|file)`),
	regexp.MustCompile(`/dev/tcp/`),

	// reverse shells
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`\bmkfifo\b`),
	regexp.MustCompile(`\bpython[23]?\b.*\bimport\s+(socket|http\.client|urllib|requests)\b`),

	// eval and decode-then-run
	regexp.MustCompile(`\beval\s*\$`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),

	// privilege escalation
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(nsenter|unshare)\b`),
	regexp.MustCompile(`\b(mount|umount)\b`),

	// loader and shell-init injection
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bLD_LIBRARY_PATH\s*=`),
	regexp.MustCompile(`\bBASH_ENV\s*=`),
	regexp.MustCompile(`\bGIT_EXTERNAL_DIFF\s*=`),

	// container sockets, scanners, tunnels
	regexp.MustCompile(`/var/run/docker\.sock|docker\.(sock|socket)`),
	regexp.MustCompile(`\b(nmap|masscan|zmap|rustscan)\b`),
	regexp.MustCompile(`\b(ssh|scp|sftp)\b.*@`),
	regexp.MustCompile(`\b(chisel|frp|ngrok|cloudflared|bore|localtunnel)\b`),

	// persistence
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`>\s*~/?\.(bashrc|bash_profile|profile|zshrc)`),
	regexp.MustCompile(`\btee\b.*\.(bashrc|bash_profile|profile|zshrc)`),

	// process manipulation
	regexp.MustCompile(`\bkill\s+-9\s`),
	regexp.MustCompile(`\b(killall|pkill)\b`),

	// environment dumps leak API keys; 'env VAR=val cmd' stays allowed
	regexp.MustCompile(`^\s*env\s*$`),
	regexp.MustCompile(`^\s*env\s*\|`),
	regexp.MustCompile(`^\s*env\s*>\s`),
	regexp.MustCompile(`\bprintenv\b`),
	regexp.MustCompile(`^\s*(set|export\s+-p|declare\s+-x)\s*($|\|)`),
}

func deniedCommand(command string) bool {
	for _, re := range shellDenyPatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

func shellSpec() Spec {
	return Spec{
		Name:        "shell",
		Description: "Run a shell command with the knowledge base root as working directory. Prefer the file tools for KB edits; shell output is not change-tracked.",
		InputSchema: objectSchema(map[string]any{
			"command":     strProp("Command to run via sh -c."),
			"working_dir": strProp("Working directory relative to the KB root. Optional."),
		}, "command"),
		Handler: func(ctx context.Context, inv Invocation, args map[string]any) Result {
			command := strings.TrimSpace(strArg(args, "command"))
			if command == "" {
				return Fail("command is required")
			}
			if deniedCommand(command) {
				return Fail("command blocked by policy")
			}
			if inv.ReadOnly {
				return Fail("shell is not allowed in read-only mode")
			}

			cwd := inv.KBRoot
			if wd := strArg(args, "working_dir"); strings.TrimSpace(wd) != "" {
				resolved, err := inv.Sandbox().Resolve(wd)
				if err != nil {
					return Fail(err.Error())
				}
				cwd = resolved
			}

			cctx, cancel := context.WithTimeout(ctx, shellTimeout)
			defer cancel()

			cmd := exec.CommandContext(cctx, "sh", "-c", command)
			cmd.Dir = cwd

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			err := cmd.Run()

			out := formatCommandOutput(stdout.String(), stderr.String())
			if cctx.Err() == context.DeadlineExceeded {
				return Failf("command timed out after %s", shellTimeout)
			}
			if err != nil {
				return Fail(truncateOutput(out))
			}
			return OK(truncateOutput(out))
		},
	}
}
