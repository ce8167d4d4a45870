package main

import "github.com/nextlevelbuilder/teleclaw/cmd"

func main() {
	cmd.Execute()
}
