package main

import (
	"context"
	"flag"
	"time"

	"github.com/Comcast/loom/tools"
)

func main() {

	var (
		inputFilename = flag.String("f", "specs/tests/tickets.test.yaml", "filename for test session")
		dir           = flag.String("d", ".", "working directory")
		showStderr    = flag.Bool("e", true, "show subprocess stderr")
		timeout       = flag.Duration("t", 10*time.Second, "main timeout")

		specDir = flag.String("s", "specs", "specs directory")
	)

	flag.Parse()

	s, err := tools.LoadSession(*inputFilename)
	if err != nil {
		panic(err)
	}

	s.ShowStderr = *showStderr

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// -t :0 so the subprocess's TCP listener grabs an ephemeral
	// port instead of fighting over the default one.
	if err = s.Run(ctx, *dir, "loomd", "-I", "-s", *specDir, "-t", ":0"); err != nil {
		panic(err)
	}
}
