package analysis

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/715d/ilaudit/internal/cil"
	"github.com/715d/ilaudit/pkg/module"
)

type tokenKey struct {
	mod *module.Module
	tok cil.Token
}

// NameCache provides efficient caching of canonical method identities. It is
// shared by every analyzer goroutine of a run.
type NameCache struct {
	methodCache *xsync.Map[*module.Method, string]
	refCache    *xsync.Map[tokenKey, string]
}

func NewNameCache() *NameCache {
	return &NameCache{
		methodCache: xsync.NewMap[*module.Method, string](),
		refCache:    xsync.NewMap[tokenKey, string](),
	}
}

// MethodName returns the identity Namespace.Type::Name(signature) of m.
func (c *NameCache) MethodName(m *module.Method) string {
	if m == nil {
		return ""
	}
	name, ok := c.methodCache.Load(m)
	if ok {
		return name
	}
	name = m.FullName()
	c.methodCache.Store(m, name)
	return name
}

// RefName resolves a MethodDef or MemberRef token of mod to the callee's
// identity. The second result is false for tokens that do not name a method.
func (c *NameCache) RefName(mod *module.Module, tok cil.Token) (string, bool) {
	key := tokenKey{mod: mod, tok: tok}
	if name, ok := c.refCache.Load(key); ok {
		return name, true
	}
	ref, ok := mod.ResolveMethod(tok)
	if !ok {
		return "", false
	}
	name := ref.FullName()
	c.refCache.Store(key, name)
	return name, true
}

// DisplayName shortens an identity to Type.Name for reports, e.g.
// "Game.Player::Update()" becomes "Player.Update".
func DisplayName(identity string) string {
	typeName, rest, ok := strings.Cut(identity, "::")
	if !ok {
		return identity
	}
	if i := strings.LastIndexByte(typeName, '.'); i >= 0 {
		typeName = typeName[i+1:]
	}
	if i := strings.IndexByte(rest, '('); i >= 0 {
		rest = rest[:i]
	}
	return typeName + "." + rest
}
