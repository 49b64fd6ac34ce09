package main

import "github.com/refinery-agent/refinery/internal/cli"

func main() {
	cli.Execute()
}
