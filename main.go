package main

import "github.com/alejoacosta74/botstream/cmd"

func main() {
	cmd.Execute()
}
