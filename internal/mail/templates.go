package mail

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"path"
	"strings"
	"sync"
	texttemplate "text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/osteele/liquid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"listmail/backend/internal/domain"
)

// TemplateSource 模板源码的读取接口，找不到时返回 domain.ErrTemplateNotFound
type TemplateSource interface {
	ReadTemplateSource(ctx context.Context, name string) ([]byte, error)
}

// Renderer 已编译的模板
type Renderer interface {
	Render(data map[string]any) (string, error)
}

// RendererFunc 允许普通函数作为 Renderer
type RendererFunc func(data map[string]any) (string, error)

// Render 实现 Renderer
func (f RendererFunc) Render(data map[string]any) (string, error) {
	return f(data)
}

// TemplateCache 按名称编译并缓存模板
//
// 同一名称并发首次使用只会读取和编译一次；编译失败不会写入缓存，
// 下一次调用会重新尝试。缓存在进程生命周期内有效。
type TemplateCache struct {
	source  TemplateSource
	entries sync.Map // name -> Renderer
	group   singleflight.Group
	liquid  *liquid.Engine
	log     *zap.Logger
}

// NewTemplateCache 创建模板缓存
func NewTemplateCache(source TemplateSource, log *zap.Logger) *TemplateCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &TemplateCache{
		source: source,
		liquid: liquid.NewEngine(),
		log:    log,
	}
}

// Get 返回名称对应的已编译模板；名称为空时返回 nil, nil
func (c *TemplateCache) Get(ctx context.Context, name string) (Renderer, error) {
	if name == "" {
		return nil, nil
	}
	if r, ok := c.entries.Load(name); ok {
		return r.(Renderer), nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		// 等待期间其他调用者可能已经完成编译
		if r, ok := c.entries.Load(name); ok {
			return r, nil
		}
		src, err := c.source.ReadTemplateSource(ctx, name)
		if err != nil {
			return nil, err
		}
		r, err := c.compile(name, string(src))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to compile %s: %v", domain.ErrTemplate, name, err)
		}
		c.entries.Store(name, r)
		c.log.Debug("template compiled", zap.String("template", name))
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Renderer), nil
}

// Render 渲染指定模板；ok 为 false 表示名称为空，没有该形式的正文
func (c *TemplateCache) Render(ctx context.Context, name string, data map[string]any) (string, bool, error) {
	r, err := c.Get(ctx, name)
	if err != nil {
		return "", false, err
	}
	if r == nil {
		return "", false, nil
	}
	out, err := r.Render(data)
	if err != nil {
		return "", false, fmt.Errorf("%w: failed to render %s: %v", domain.ErrTemplate, name, err)
	}
	return out, true, nil
}

// compile 根据扩展名选择模板引擎
func (c *TemplateCache) compile(name, src string) (Renderer, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".liquid":
		tpl, err := c.liquid.ParseString(src)
		if err != nil {
			return nil, err
		}
		return RendererFunc(func(data map[string]any) (string, error) {
			return tpl.RenderString(data)
		}), nil

	case ".html", ".htm":
		tpl, err := htmltemplate.New(name).Funcs(htmltemplate.FuncMap(sprig.FuncMap())).Parse(src)
		if err != nil {
			return nil, err
		}
		return RendererFunc(func(data map[string]any) (string, error) {
			var buf bytes.Buffer
			if err := tpl.Execute(&buf, data); err != nil {
				return "", err
			}
			return buf.String(), nil
		}), nil

	default:
		tpl, err := texttemplate.New(name).Funcs(sprig.TxtFuncMap()).Parse(src)
		if err != nil {
			return nil, err
		}
		return RendererFunc(func(data map[string]any) (string, error) {
			var buf bytes.Buffer
			if err := tpl.Execute(&buf, data); err != nil {
				return "", err
			}
			return buf.String(), nil
		}), nil
	}
}
