package main

import (
	"github.com/InfiniteCode-Org/market-checker/internal/cli"
)

func main() {
	cli.Execute()
}
