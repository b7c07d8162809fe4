package main

import "github.com/oshokin/microscope/cmd/microscope-client/cmd"

func main() {
	cmd.Execute()
}
