package main

import "github.com/Bonsailinse/dice-o-lotl/cmd"

func main() {
	cmd.Execute()
}
