package main

import (
	"github.com/meshwire/meshwire/internal/cmd"
)

func main() {
	cmd.Execute()
}
