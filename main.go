package main

import "github.com/edgeflare/cdcnorm/cmd/cdcnorm"

func main() {
	cdcnorm.Main()
}
