package main

import "firelink/cmd"

func main() {
	cmd.Execute()
}
