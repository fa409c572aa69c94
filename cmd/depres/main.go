package main

import "github.com/aweris/depres/cmd/depres/cmd"

func main() {
	cmd.Execute()
}
