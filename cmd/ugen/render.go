package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"pipelined.dev/engine/internal/config"
)

type renderCommand struct {
	tone
	out string
}

func (cmd *renderCommand) Name() string {
	return "render"
}

func (cmd *renderCommand) Help() string {
	return "Render a tone to wav file"
}

func (cmd *renderCommand) Register(fs *flag.FlagSet) {
	cmd.tone.register(fs)
	fs.StringVar(&cmd.out, "out", "", "output wav file (required)")
}

func (cmd *renderCommand) Run(ctx context.Context, stdout io.Writer) error {
	if cmd.out == "" {
		return fmt.Errorf("missing -out required flag")
	}
	cfg, err := cmd.load()
	if err != nil {
		return err
	}
	if cfg.Duration == 0 {
		cfg.Duration = time.Second
	}
	cfg.Audio, cfg.Output = config.AudioBatch, cmd.out
	return play(ctx, stdout, cfg, &cmd.tone)
}
