package main

import "github.com/shellbus/shellbus/cmd/shellbusd/commands"

func main() {
	commands.Execute()
}
