package cmd

import (
	"github.com/urfave/cli"

	"github.com/hn-88/sgct/log"
)

var logger = log.New("sgct")

func setupLogging(ctx *cli.Context) {
	if ctx.GlobalBool("v") {
		log.SetLevel(log.Info)
	}

	if ctx.GlobalBool("vv") {
		log.SetLevel(log.Debug)
	}
}
