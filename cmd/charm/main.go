package main

import (
	"github.com/MeKo-Tech/charm/cmd/charm/cmd"
)

func main() {
	cmd.Execute()
}
