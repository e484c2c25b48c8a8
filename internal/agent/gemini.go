package agent

import (
	"context"
	"time"

	"github.com/vrabby/vrabby/internal/common/logger"
)

var geminiPassEnv = []string{
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"GOOGLE_CLOUD_PROJECT",
	"GOOGLE_CLOUD_LOCATION",
	"GOOGLE_APPLICATION_CREDENTIALS",
}

// GeminiAdapter drives the gemini CLI in non-interactive mode. Its
// stream-json output follows the claude record shapes, so it shares the
// stream parser.
type GeminiAdapter struct {
	log       *logger.Logger
	bin       string
	extraArgs []string
	extraEnv  map[string]string
	grace     time.Duration
}

var _ Adapter = (*GeminiAdapter)(nil)

func NewGeminiAdapter(log *logger.Logger, ov Override, grace time.Duration) *GeminiAdapter {
	return &GeminiAdapter{
		log:       log,
		bin:       detectBinary(ov.Binary, "gemini"),
		extraArgs: ov.Args,
		extraEnv:  ov.Env,
		grace:     grace,
	}
}

func (a *GeminiAdapter) Kind() Kind {
	return KindGemini
}

func (a *GeminiAdapter) DefaultModel() string {
	return DefaultModelFor(KindGemini)
}

func (a *GeminiAdapter) Available(ctx context.Context) Availability {
	return probeVersion(ctx, a.bin, "--version")
}

func (a *GeminiAdapter) Initialize(ctx context.Context, workspace, systemPrompt string) error {
	return writeInstructionsFile(workspace, "GEMINI.md", systemPrompt)
}

func (a *GeminiAdapter) Run(ctx context.Context, opts RunOptions) <-chan Event {
	model, warnings := resolveRunModel(KindGemini, opts.Model)
	args := []string{
		"--output-format", "stream-json",
		"-y",
	}
	if model != "" {
		args = append(args, "-m", model)
	}
	if opts.PriorSessionID != "" {
		args = append(args, "--resume", opts.PriorSessionID)
	}
	args = append(args, a.extraArgs...)
	args = append(args, "-p", buildInstruction(opts))

	return runOneShot(ctx, a.log, runSpec{
		kind:      KindGemini,
		bin:       a.bin,
		args:      args,
		workspace: opts.Workspace,
		env:       a.extraEnv,
		passEnv:   geminiPassEnv,
		parser:    newStreamJSONParser(),
		resumed:   opts.PriorSessionID != "",
		grace:     a.grace,
		warnings:  warnings,
	})
}
