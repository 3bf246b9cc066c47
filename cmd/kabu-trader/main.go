package main

import "kabu-trader/internal/cli"

func main() {
	cli.Execute()
}
