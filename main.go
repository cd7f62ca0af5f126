package main

import "github.com/zenith-engineer/rolloutd/cmd"

func main() {
	cmd.Execute()
}
