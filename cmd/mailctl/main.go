// mailctl 邮件列表服务的运维命令行工具。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(defaultRuntime()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}
