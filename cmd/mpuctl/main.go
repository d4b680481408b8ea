package main

import "github.com/OpenTraceLab/OpenTraceMPU/cmd/mpuctl/cmd"

func main() {
	cmd.Execute()
}
