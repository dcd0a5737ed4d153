package main

import (
	"fmt"

	"github.com/mezcal-hub/mezcal/internal/version"
)

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
