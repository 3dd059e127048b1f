package main

import "github.com/ehsanking/cipher-relay/cmd"

func main() {
	cmd.Execute()
}
