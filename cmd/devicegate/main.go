package main

import "github.com/jmcleod/devicegate/cmd/devicegate/cmd"

func main() {
	cmd.Execute()
}
