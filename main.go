package main

import (
	"github.com/pagepilot/pagepilot/cmd"
)

func main() {
	cmd.Execute()
}
