package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// probeTimeout bounds the version check so a wedged CLI cannot stall the
// status grid.
const probeTimeout = 3 * time.Second

// probeVersion checks PATH for the binary and runs it with the given version
// arguments. A missing binary or non-zero exit reports not installed.
func probeVersion(ctx context.Context, bin string, args ...string) Availability {
	now := time.Now().UTC()
	path, err := exec.LookPath(bin)
	if err != nil {
		return Availability{Installed: false, Error: fmt.Sprintf("%s not found in PATH", bin), CheckedAt: now}
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(probeCtx, path, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return Availability{Installed: false, Path: path, Error: truncate(msg, 256), CheckedAt: now}
	}
	return Availability{Installed: true, Version: firstLine(string(out)), Path: path, CheckedAt: now}
}

// writeInstructionsFile seeds an agent instructions file inside the
// workspace, leaving it untouched when the content already matches so
// repeated initialization is byte-identical.
func writeInstructionsFile(workspace, filename, content string) error {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	path := filepath.Join(workspace, filename)
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, []byte(content)) {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", filename, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}

// buildInstruction appends image attachment references to the prompt so CLIs
// without a native image flag can read them from the workspace.
func buildInstruction(opts RunOptions) string {
	if len(opts.Images) == 0 {
		return opts.Instruction
	}
	var b strings.Builder
	b.WriteString(opts.Instruction)
	b.WriteString("\n\nAttached images (read these files from the workspace):\n")
	for _, img := range opts.Images {
		if img.Name != "" {
			fmt.Fprintf(&b, "- %s (%s)\n", img.Path, img.Name)
		} else {
			fmt.Fprintf(&b, "- %s\n", img.Path)
		}
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
