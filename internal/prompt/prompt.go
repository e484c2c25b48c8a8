// Package prompt loads and composes the system prompts handed to agent CLIs.
// Prompts are plain markdown files under a configured directory; the core
// never parses their content.
package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vrabby/vrabby/internal/common/logger"
)

// fallbackPrompt is used when no prompt files exist at all, so a bare
// checkout still produces working agents.
const fallbackPrompt = "You are Vrabby, an advanced AI coding assistant created by Marek Vrábel, " +
	"founder of MHost.sk. You specialize in building modern fullstack web applications " +
	"with high-quality code, performance, and design. Use Next.js, TypeScript, and Tailwind " +
	"best practices. Maintain clarity, accessibility, and production-readiness."

// separator joins prompt sections.
const separator = "\n\n---\n\n"

// Alternate filenames accepted per variant, checked in order.
var variantNames = map[string][]string{
	"core":   {"system-core.md", "system_core.md", "core.md"},
	"design": {"system-design.md", "system_design.md", "design.md"},
	"single": {"system-prompt.md", "system_prompt.md"},
}

// Loader composes system prompts from a prompt directory and caches the
// result per variant. Files are read once; call Invalidate after editing
// prompts on a running server.
type Loader struct {
	dir   string
	log   *logger.Logger
	mu    sync.RWMutex
	cache map[string]string
}

// NewLoader creates a loader reading from dir.
func NewLoader(dir string, log *logger.Logger) *Loader {
	return &Loader{
		dir:   dir,
		log:   log,
		cache: make(map[string]string),
	}
}

// SystemPrompt returns the composed prompt for a run. The first run of a
// project gets the monolithic bootstrap prompt when present; subsequent runs
// get core + design. A non-empty subAgent appends agents/<name>.md.
func (l *Loader) SystemPrompt(firstRun bool, subAgent string) string {
	base := l.base(firstRun)
	overlay := l.agentOverlay(subAgent)
	if overlay == "" {
		return base
	}
	return base + separator + overlay
}

// Invalidate clears the cache so the next call re-reads prompt files.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]string)
}

func (l *Loader) base(firstRun bool) string {
	key := "base:resume"
	if firstRun {
		key = "base:initial"
	}
	if cached, ok := l.cached(key); ok {
		return cached
	}

	var composed string
	if firstRun {
		// Project bootstrap prefers the monolithic prompt.
		if txt, ok := l.readVariant("single"); ok {
			composed = txt
		}
	}
	if composed == "" {
		var parts []string
		if core, ok := l.readVariant("core"); ok {
			parts = append(parts, core)
		}
		if design, ok := l.readVariant("design"); ok {
			parts = append(parts, design)
		}
		composed = strings.Join(parts, separator)
	}
	if composed == "" {
		l.log.Warn("No system prompt files found, using built-in fallback",
			zap.String("dir", l.dir))
		composed = fallbackPrompt
	}

	l.store(key, composed)
	return composed
}

// agentOverlay reads agents/<name>.md for the sub-agent layer. Missing files
// are cached as empty so each name is probed once.
func (l *Loader) agentOverlay(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	key := "agent:" + name
	if cached, ok := l.cached(key); ok {
		return cached
	}

	txt, _ := l.readFile(filepath.Join(l.dir, "agents", name+".md"))
	l.store(key, txt)
	return txt
}

func (l *Loader) readVariant(variant string) (string, bool) {
	for _, name := range variantNames[variant] {
		if txt, ok := l.readFile(filepath.Join(l.dir, name)); ok {
			return txt, true
		}
	}
	return "", false
}

func (l *Loader) readFile(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.Warn("Failed to read prompt file",
				zap.String("path", path),
				zap.Error(err))
		}
		return "", false
	}
	txt := strings.TrimSpace(string(data))
	if txt == "" {
		return "", false
	}
	l.log.Debug("Loaded prompt file", zap.String("path", path))
	return txt, true
}

func (l *Loader) cached(key string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.cache[key]
	return v, ok
}

func (l *Loader) store(key, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[key] = value
}
