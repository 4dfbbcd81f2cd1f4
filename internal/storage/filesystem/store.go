package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"listmail/backend/internal/domain"
)

// TemplateStore 从目录读取邮件模板源码，目录中不存在时回退到内置模板
type TemplateStore struct {
	basePath string // 模板覆盖目录，可为空
	fallback fs.FS  // 内置模板，可为 nil
}

// NewTemplateStore 创建模板存储实例
//
// 参数:
//   - basePath: 运维人员放置自定义模板的目录，为空表示只使用内置模板
//   - fallback: 内置模板文件系统
func NewTemplateStore(basePath string, fallback fs.FS) (*TemplateStore, error) {
	if basePath != "" {
		info, err := os.Stat(basePath)
		if err != nil {
			return nil, fmt.Errorf("invalid template directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("invalid template directory: %s is not a directory", basePath)
		}
		basePath = filepath.Clean(basePath)
	}

	return &TemplateStore{basePath: basePath, fallback: fallback}, nil
}

// ReadTemplateSource 读取模板源码，名称使用 "/" 分隔，例如 "subscription/mail-confirm-html.html"
func (s *TemplateStore) ReadTemplateSource(_ context.Context, name string) ([]byte, error) {
	name = path.Clean(name)
	// 拒绝绝对路径与 ".." 路径，模板名称来自代码而非用户输入，但仍不允许越出目录
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("%w: invalid template name %q", domain.ErrTemplate, name)
	}

	if s.basePath != "" {
		content, err := os.ReadFile(filepath.Join(s.basePath, filepath.FromSlash(name)))
		if err == nil {
			return content, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
	}

	if s.fallback != nil {
		content, err := fs.ReadFile(s.fallback, name)
		if err == nil {
			return content, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
	}

	return nil, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, name)
}
