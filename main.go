package main

import "github.com/notemill/notemill/cmd"

func main() {
	cmd.Execute()
}
