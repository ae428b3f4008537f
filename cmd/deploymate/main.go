package main

import "github.com/deploymate/deploymate/cmd/deploymate/cli"

func main() {
	cli.Execute()
}
