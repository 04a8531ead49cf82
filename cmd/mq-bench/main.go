package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/hpcclab/mq-bench/cmd/mq-bench/commands"
)

func main() {
	os.Exit(commands.Execute())
}
