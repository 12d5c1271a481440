package main

import "vmgate/cli/cmd"

func main() {
	cmd.Execute()
}
