package main

import (
	"os"

	"github.com/CMSgov/claimfin/claimfinworker/cli"
	"github.com/CMSgov/claimfin/log"
)

func main() {
	app := cli.GetApp()
	if err := app.Run(os.Args); err != nil {
		log.Worker.Error(err)
		os.Exit(1)
	}
}
