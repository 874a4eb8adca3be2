package main

import "dexarb/internal/cli"

func main() {
	cli.Execute()
}
