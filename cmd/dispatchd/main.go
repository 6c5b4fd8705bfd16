package main

import "github.com/msageha/dispatchd/cmd/dispatchd/commands"

func main() {
	commands.Execute()
}
