package main

import "github.com/CosmoTheDev/fleethub/cmd"

func main() {
	cmd.Execute()
}
