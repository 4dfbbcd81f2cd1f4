package mail

import (
	"context"
	"io/fs"
)

// fsSource 直接从 fs.FS 读取模板
type fsSource struct {
	fsys fs.FS
}

func (s fsSource) ReadTemplateSource(_ context.Context, name string) ([]byte, error) {
	return fs.ReadFile(s.fsys, name)
}
