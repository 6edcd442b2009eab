package main

import (
	"os"

	"lindachat/cli"
)

func main() {
	os.Exit(cli.Execute())
}
