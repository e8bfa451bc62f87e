package nodes

import (
	"fmt"
	"strings"

	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
)

// GetMeta reads a dotted path (e.g. "proxy.route") out of a message's
// params._meta. Router implementations build their route keys with it.
func GetMeta(msg *pipeline.Message, dottedPath string) (interface{}, bool) {
	current := interface{}(msg.Meta())
	for _, part := range strings.Split(dottedPath, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// MetaRouterConfig declares the output ports and where the routing key
// lives. The key is looked up in params._meta first, then in params itself.
type MetaRouterConfig struct {
	Path    string   `json:"path,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
	Default string   `json:"default,omitempty"`
}

const defaultRoutePath = "proxy.route"

// MetaRouter dispatches each message to the output port named by its routing
// key. Keys with no matching port fall back to the default port, or drop the
// message when none is configured.
type MetaRouter struct {
	node.Base
}

func MetaRouterMeta() node.Metadata {
	return node.Metadata{
		Name:         "Meta Router",
		Category:     node.CategoryRouting,
		Description:  "Routes messages by a _meta or params field",
		Inputs:       []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:      []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: node.ConfigSchemaFor(&MetaRouterConfig{}),
	}
}

func NewMetaRouter(config map[string]interface{}) *MetaRouter {
	return &MetaRouter{Base: node.NewBase(config)}
}

func (n *MetaRouter) routeConfig() MetaRouterConfig {
	var cfg MetaRouterConfig
	_ = decodeConfig(n.Config(), &cfg)
	if cfg.Path == "" {
		cfg.Path = defaultRoutePath
	}
	if len(cfg.Outputs) == 0 {
		cfg.Outputs = []string{"out"}
	}
	return cfg
}

func (n *MetaRouter) Meta() node.Metadata {
	cfg := n.routeConfig()
	meta := MetaRouterMeta()
	meta.Outputs = make([]node.PortDef, len(cfg.Outputs))
	for i, name := range cfg.Outputs {
		meta.Outputs[i] = node.PortDef{Name: name, Socket: node.SocketPipeline}
	}
	return meta
}

func (n *MetaRouter) Validate() []string {
	var cfg MetaRouterConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return []string{err.Error()}
	}
	var problems []string
	seen := map[string]struct{}{}
	for _, name := range cfg.Outputs {
		if name == "" {
			problems = append(problems, "output port names must not be empty")
			continue
		}
		if _, dup := seen[name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate output port %q", name))
		}
		seen[name] = struct{}{}
	}
	if cfg.Default != "" {
		if _, ok := seen[cfg.Default]; !ok && len(cfg.Outputs) > 0 {
			problems = append(problems, fmt.Sprintf("default port %q is not a declared output", cfg.Default))
		}
	}
	return problems
}

func (n *MetaRouter) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	cfg := n.routeConfig()
	ports := make(map[string]struct{}, len(cfg.Outputs))
	for _, name := range cfg.Outputs {
		ports[name] = struct{}{}
	}

	return node.RunRouter(n, inputs, ctx, func(msg *pipeline.Message, _ *pipeline.Context) (string, error) {
		key := n.routeKey(msg, cfg.Path)
		if _, ok := ports[key]; ok {
			return key, nil
		}
		if cfg.Default != "" {
			return cfg.Default, nil
		}
		return "", nil
	})
}

// routeKey resolves the routing value: _meta dotted path first, then a plain
// params field of the same name. Values are coerced to strings.
func (n *MetaRouter) routeKey(msg *pipeline.Message, path string) string {
	if v, ok := GetMeta(msg, path); ok {
		return fmt.Sprintf("%v", v)
	}
	if msg.Request != nil && msg.Request.Params != nil {
		// A bare path like "route" reads params.route directly.
		if v, ok := msg.Request.Params[path]; ok {
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}
