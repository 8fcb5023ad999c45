package main

import (
	"os"

	"github.com/urfave/cli"

	"github.com/hn-88/sgct/cmd"
)

func main() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	app := cli.NewApp()
	app.Name = "sgct"
	app.Usage = "run a cluster-synchronized render loop"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "run",
			Usage: "run the render loop for one cluster node",
			Description: `
Start this node's render loop. In a clustered setup the master broadcasts
the shared application state each frame and all nodes present in lock-step;
without a cluster configuration a standalone window is opened.`,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config, c",
					Usage: "cluster configuration file (YAML)",
				},
				cli.StringFlag{
					Name:  "node, n",
					Usage: "run as this node from the configuration",
				},
				cli.IntFlag{
					Name:  "frames",
					Usage: "terminate after this many frames (0 = run until closed)",
				},
				cli.IntFlag{
					Name:  "screenshot-every",
					Usage: "capture a screenshot every n frames (0 = never)",
				},
			},
			Action: cmd.Run,
		},
		{
			Name:      "validate",
			Usage:     "check a cluster configuration file",
			ArgsUsage: "cluster.yaml",
			Action:    cmd.Validate,
		},
	}

	app.Run(os.Args)
}
