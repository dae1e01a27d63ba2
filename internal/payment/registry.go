package payment

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory 根据渠道配置构建适配器
type Factory func(raw map[string]interface{}) (Adapter, error)

// Registry 渠道名到适配器的映射
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register 注册适配器，同名重复注册返回错误
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("%w: adapter is nil", ErrConfig)
	}
	name := NormalizeName(adapter.Name())
	if name == "" {
		return fmt.Errorf("%w: adapter name is empty", ErrConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("%w: adapter %s already registered", ErrConfig, name)
	}
	r.adapters[name] = adapter
	return nil
}

// Get 按渠道名查找适配器
func (r *Registry) Get(name string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[NormalizeName(name)]
	return adapter, ok
}

// Names 已注册渠道名（有序）
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build 按配置批量构建并注册适配器，未配置的渠道跳过
func (r *Registry) Build(configs map[string]map[string]interface{}, factories map[string]Factory, wrap func(Adapter) Adapter) error {
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		raw := configs[name]
		if !isEnabled(raw) {
			continue
		}
		factory, ok := factories[NormalizeName(name)]
		if !ok {
			return fmt.Errorf("%w: unknown provider %s", ErrConfig, name)
		}
		adapter, err := factory(raw)
		if err != nil {
			return fmt.Errorf("build provider %s failed: %w", name, err)
		}
		if wrap != nil {
			adapter = wrap(adapter)
		}
		if err := r.Register(adapter); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeName 统一渠道名
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func isEnabled(raw map[string]interface{}) bool {
	if raw == nil {
		return false
	}
	value, ok := raw["enabled"]
	if !ok {
		return true
	}
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}
