package main

import (
	"os"

	"github.com/openshift/op-mirror/internal/pkg/cli"
	clog "github.com/openshift/op-mirror/internal/pkg/log"
)

func main() {
	log := clog.New("info")
	rootCmd := cli.NewMirrorCmd(log)
	if err := rootCmd.Execute(); err != nil {
		cli.LogErrorChain(log, err)
		os.Exit(1)
	}
}
