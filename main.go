package main

import "github.com/audiolibrelab/lessoncapture/cmd"

func main() {
	cmd.Execute()
}
