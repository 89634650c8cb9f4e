package main

import "github.com/calder/mender/cmd/mender/commands"

func main() {
	commands.Execute()
}
