package main

import (
	"github.com/liuyongshun/msgtool/cmd/handlers"
)

func main() {
	handlers.Execute()
}
