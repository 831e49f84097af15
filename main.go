package main

import "github.com/lightbind/lightbind/cmd"

func main() {
	cmd.Execute()
}
