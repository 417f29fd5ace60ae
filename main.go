package main

import (
	"log"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Printf("执行失败: %v", err)
		os.Exit(1)
	}
}
