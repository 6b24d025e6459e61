package main

import "github.com/oshokin/layer-builder/cmd/layer-builder/cmd"

func main() {
	cmd.Execute()
}
