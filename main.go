package main

import "github.com/nextlevelbuilder/clawfleet/cmd"

func main() {
	cmd.Execute()
}
