package cmd

import (
	"errors"

	"github.com/urfave/cli"

	"github.com/hn-88/sgct/config"
)

// Validate parses a cluster configuration file and prints the effective
// settings without starting the render loop.
func Validate(ctx *cli.Context) error {
	setupLogging(ctx)

	if ctx.NArg() != 1 {
		return errors.New("missing config file argument")
	}

	cfg, err := config.Load(ctx.Args().First())
	if err != nil {
		return err
	}

	cfg.Print()
	return nil
}
