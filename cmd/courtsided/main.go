package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/courtside-app/courtside/internal/daemon"
)

func main() {
	baseDir := flag.String("dir", "", "profile directory (default ~/.courtside)")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{BaseDir: *baseDir}),
	)

	app.Run()
}
