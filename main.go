package main

import "github.com/agentic-research/citefold/cmd"

func main() {
	cmd.Execute()
}
