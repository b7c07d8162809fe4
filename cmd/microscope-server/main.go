package main

import "github.com/oshokin/microscope/cmd/microscope-server/cmd"

func main() {
	cmd.Execute()
}
