package agent

import "fmt"

// ModelInfo describes one model an agent can run.
type ModelInfo struct {
	// ID is the canonical identifier exposed to clients.
	ID string `json:"id"`

	// Native is the value passed to the CLI's model flag.
	Native string `json:"native"`

	// Label is a short display name.
	Label string `json:"label"`

	// Default marks the model used when a request does not name one.
	Default bool `json:"default,omitempty"`
}

// claudeModels maps canonical ids to the dated snapshot names the claude CLI
// expects. Callers passing a dated native id directly also resolve.
func claudeModels() []ModelInfo {
	return []ModelInfo{
		{ID: "claude-sonnet-4.5", Native: "claude-sonnet-4-5-20250929", Label: "Claude Sonnet 4.5", Default: true},
		{ID: "claude-opus-4.1", Native: "claude-opus-4-1-20250805", Label: "Claude Opus 4.1"},
		{ID: "claude-haiku-3.5", Native: "claude-3-5-haiku-20241022", Label: "Claude Haiku 3.5"},
	}
}

func cursorModels() []ModelInfo {
	return []ModelInfo{
		{ID: "auto", Native: "auto", Label: "Auto", Default: true},
		{ID: "gpt-5", Native: "gpt-5", Label: "GPT-5"},
		{ID: "sonnet-4.5", Native: "sonnet-4.5", Label: "Claude Sonnet 4.5"},
		{ID: "opus-4.1", Native: "opus-4.1", Label: "Claude Opus 4.1"},
	}
}

func codexModels() []ModelInfo {
	return []ModelInfo{
		{ID: "gpt-5-codex", Native: "gpt-5-codex", Label: "GPT-5 Codex", Default: true},
		{ID: "gpt-5", Native: "gpt-5", Label: "GPT-5"},
		{ID: "o3", Native: "o3", Label: "o3"},
		{ID: "o4-mini", Native: "o4-mini", Label: "o4-mini"},
	}
}

func geminiModels() []ModelInfo {
	return []ModelInfo{
		{ID: "gemini-2.5-pro", Native: "gemini-2.5-pro", Label: "Gemini 2.5 Pro", Default: true},
		{ID: "gemini-2.5-flash", Native: "gemini-2.5-flash", Label: "Gemini 2.5 Flash"},
	}
}

func qwenModels() []ModelInfo {
	return []ModelInfo{
		{ID: "qwen3-coder-plus", Native: "qwen3-coder-plus", Label: "Qwen3 Coder Plus", Default: true},
		{ID: "qwen3-coder-flash", Native: "qwen3-coder-flash", Label: "Qwen3 Coder Flash"},
	}
}

// ModelsFor returns the model table for a kind, default first.
func ModelsFor(kind Kind) []ModelInfo {
	switch kind {
	case KindClaude:
		return claudeModels()
	case KindCursor:
		return cursorModels()
	case KindCodex:
		return codexModels()
	case KindGemini:
		return geminiModels()
	case KindQwen:
		return qwenModels()
	}
	return nil
}

// DefaultModelFor returns the canonical id of a kind's default model.
func DefaultModelFor(kind Kind) string {
	for _, m := range ModelsFor(kind) {
		if m.Default {
			return m.ID
		}
	}
	return ""
}

// resolveModel maps a canonical id to the native flag value. Unknown ids
// return ok=false so the caller can fall back to the default and surface a
// model_fallback notice; native ids appearing in the table resolve directly.
func resolveModel(kind Kind, id string) (native string, ok bool) {
	models := ModelsFor(kind)
	for _, m := range models {
		if m.ID == id || m.Native == id {
			return m.Native, true
		}
	}
	return "", false
}

// defaultNative returns the native id of a kind's default model.
func defaultNative(kind Kind) string {
	for _, m := range ModelsFor(kind) {
		if m.Default {
			return m.Native
		}
	}
	return ""
}

// resolveRunModel maps the requested canonical model to the CLI's native id.
// Unknown ids select the default and produce a model_fallback notice to emit
// ahead of the run.
func resolveRunModel(kind Kind, requested string) (native string, warnings []Event) {
	if requested == "" {
		return defaultNative(kind), nil
	}
	if native, ok := resolveModel(kind, requested); ok {
		return native, nil
	}
	msg := fmt.Sprintf("unknown model %q for %s, using %s", requested, kind, DefaultModelFor(kind))
	return defaultNative(kind), []Event{NewError(ErrModelFallback, msg, false)}
}
