package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

type cli struct {
	args   []string
	stdout io.Writer
}

type command interface {
	Name() string
	Help() string
	Run(ctx context.Context, stdout io.Writer) error
	Register(*flag.FlagSet)
}

func (c *cli) run(ctx context.Context) int {
	cmdName, args := parseArgs(c.args)
	if cmdName == "" {
		c.printUsage()
		return errorExitCode
	}

	for _, cmd := range commands {
		if cmd.Name() != cmdName {
			continue
		}
		flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)
		flags.SetOutput(c.stdout)
		cmd.Register(flags)
		if err := flags.Parse(args); err != nil {
			return errorExitCode
		}
		if err := cmd.Run(ctx, c.stdout); err != nil {
			fmt.Fprintf(c.stdout, "Command failed: %v\n", err)
			return errorExitCode
		}
		return successExitCode
	}
	c.printUsage()
	return errorExitCode
}

var (
	successExitCode = 0
	errorExitCode   = 1
	commands        = []command{
		&playCommand{},
		&renderCommand{},
		&devicesCommand{},
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	c := cli{
		args:   os.Args,
		stdout: os.Stdout,
	}
	code := c.run(ctx)
	stop()
	os.Exit(code)
}

func parseArgs(args []string) (string, []string) {
	if len(args) < 2 {
		return "", nil
	}
	return args[1], args[2:]
}

func (c *cli) printUsage() {
	fmt.Fprintln(c.stdout, "Ugen runs signal graphs in real time")
	fmt.Fprintln(c.stdout)
	fmt.Fprintln(c.stdout, "Usage: ugen <command> [flags]")
	fmt.Fprintln(c.stdout)
	fmt.Fprintln(c.stdout, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(c.stdout, "\t%s\t%s\n", cmd.Name(), cmd.Help())
	}
}
