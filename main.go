package main

import "vigil/cmd"

func main() {
	cmd.Execute()
}
