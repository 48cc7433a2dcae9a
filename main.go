package main

import "github.com/glbter/distributed-systems/portfolio-engine/cmd"

func main() {
	cmd.Execute()
}
