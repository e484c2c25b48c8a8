package agent

import (
	"context"
	"time"

	"github.com/vrabby/vrabby/internal/common/logger"
)

var qwenPassEnv = []string{
	"OPENAI_API_KEY",
	"OPENAI_BASE_URL",
	"OPENAI_MODEL",
	"DASHSCOPE_API_KEY",
}

// QwenAdapter drives the qwen CLI. The tool is a gemini-cli fork and keeps
// its flag surface and stream-json record shapes.
type QwenAdapter struct {
	log       *logger.Logger
	bin       string
	extraArgs []string
	extraEnv  map[string]string
	grace     time.Duration
}

var _ Adapter = (*QwenAdapter)(nil)

func NewQwenAdapter(log *logger.Logger, ov Override, grace time.Duration) *QwenAdapter {
	return &QwenAdapter{
		log:       log,
		bin:       detectBinary(ov.Binary, "qwen"),
		extraArgs: ov.Args,
		extraEnv:  ov.Env,
		grace:     grace,
	}
}

func (a *QwenAdapter) Kind() Kind {
	return KindQwen
}

func (a *QwenAdapter) DefaultModel() string {
	return DefaultModelFor(KindQwen)
}

func (a *QwenAdapter) Available(ctx context.Context) Availability {
	return probeVersion(ctx, a.bin, "--version")
}

func (a *QwenAdapter) Initialize(ctx context.Context, workspace, systemPrompt string) error {
	return writeInstructionsFile(workspace, "QWEN.md", systemPrompt)
}

func (a *QwenAdapter) Run(ctx context.Context, opts RunOptions) <-chan Event {
	model, warnings := resolveRunModel(KindQwen, opts.Model)
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
		kind:      KindQwen,
		bin:       a.bin,
		args:      args,
		workspace: opts.Workspace,
		env:       a.extraEnv,
		passEnv:   qwenPassEnv,
		parser:    newStreamJSONParser(),
		resumed:   opts.PriorSessionID != "",
		grace:     a.grace,
		warnings:  warnings,
	})
}
