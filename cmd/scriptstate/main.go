package main

import "github.com/nfrund/scriptstate/cmd/scriptstate/cmd"

func main() {
	cmd.Execute()
}
