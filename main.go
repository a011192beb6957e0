package main

import "github.com/audiolibrelab/micclip/cmd"

func main() {
	cmd.Execute()
}
