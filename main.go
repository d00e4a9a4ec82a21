package main

import "github.com/audiolibrelab/pulsecapture/cmd"

func main() {
	cmd.Execute()
}
