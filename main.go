package main

import (
	"github.com/AzielCF/az-bridge/cmd"
)

func main() {
	cmd.Execute()
}
