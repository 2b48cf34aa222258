package main

import (
	"github.com/Paintersrp/jobshell/internal/cli"
	"github.com/Paintersrp/jobshell/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
