package main

import "github.com/Zedster07/brainwave2/cmd"

func main() {
	cmd.Execute()
}
