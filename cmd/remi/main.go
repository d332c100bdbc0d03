package main

import "github.com/rekal-dev/remi/cmd/remi/cli"

func main() {
	cli.Run()
}
