package main

import "github.com/wationgarbarad/ouroboros/cmd"

func main() {
	cmd.Execute()
}
