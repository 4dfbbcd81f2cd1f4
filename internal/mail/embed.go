package mail

import (
	"embed"
	"io/fs"
)

//go:embed templates
var embedded embed.FS

// DefaultTemplates 内置模板，可被模板目录中的同名文件覆盖
func DefaultTemplates() fs.FS {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}
