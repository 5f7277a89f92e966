package main

import "github.com/samsaffron/term-agent/cmd"

func main() {
	cmd.Execute()
}
