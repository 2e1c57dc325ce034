package main

import "github.com/nextlevelbuilder/ember/cmd"

func main() {
	cmd.Execute()
}
