package main

import (
	"context"
	"flag"
	"io"
)

type playCommand struct {
	tone
	audio string
}

func (cmd *playCommand) Name() string {
	return "play"
}

func (cmd *playCommand) Help() string {
	return "Play a tone with configured audio device"
}

func (cmd *playCommand) Register(fs *flag.FlagSet) {
	cmd.tone.register(fs)
	fs.StringVar(&cmd.audio, "audio", "", "audio mode: none, poll, callback or batch")
}

func (cmd *playCommand) Run(ctx context.Context, stdout io.Writer) error {
	cfg, err := cmd.load()
	if err != nil {
		return err
	}
	if cmd.audio != "" {
		cfg.Audio = cmd.audio
	}
	return play(ctx, stdout, cfg, &cmd.tone)
}
