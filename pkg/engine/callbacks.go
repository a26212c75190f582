// Package engine describes the game-engine entry points that run every frame
// and the engine types the analyzer needs without loading the engine itself.
package engine

import "github.com/715d/ilaudit/pkg/module"

// Base types whose subclasses receive engine callbacks.
const (
	MonoBehaviour = "UnityEngine.MonoBehaviour"
	Behaviour     = "UnityEngine.Behaviour"
	Component     = "UnityEngine.Component"
	Object        = "UnityEngine.Object"
)

// CallbackKind represents the engine loop that invokes a callback.
type CallbackKind int

const (
	CallbackNone CallbackKind = iota
	CallbackFrame
	CallbackPhysics
	CallbackRender
	CallbackAnimation
)

func (k CallbackKind) String() string {
	switch k {
	case CallbackFrame:
		return "frame"
	case CallbackPhysics:
		return "physics"
	case CallbackRender:
		return "render"
	case CallbackAnimation:
		return "animation"
	default:
		return "none"
	}
}

// CallbackInfo describes a recognized engine callback.
type CallbackInfo struct {
	Kind CallbackKind
	Name string
}

// perFrameCallbacks maps message names the engine invokes at least once per
// frame on every enabled MonoBehaviour.
var perFrameCallbacks = map[string]CallbackKind{
	"Update":             CallbackFrame,
	"LateUpdate":         CallbackFrame,
	"FixedUpdate":        CallbackPhysics,
	"OnTriggerStay":      CallbackPhysics,
	"OnTriggerStay2D":    CallbackPhysics,
	"OnCollisionStay":    CallbackPhysics,
	"OnCollisionStay2D":  CallbackPhysics,
	"OnGUI":              CallbackRender,
	"OnPreCull":          CallbackRender,
	"OnPreRender":        CallbackRender,
	"OnPostRender":       CallbackRender,
	"OnRenderImage":      CallbackRender,
	"OnRenderObject":     CallbackRender,
	"OnWillRenderObject": CallbackRender,
	"OnAnimatorMove":     CallbackAnimation,
	"OnAnimatorIK":       CallbackAnimation,
}

// Hierarchy answers inheritance questions. *module.Resolver implements it.
type Hierarchy interface {
	DerivesFrom(name, base string) bool
}

// Classify returns the callback kind of a method name, ignoring its type.
func Classify(name string) CallbackInfo {
	kind, ok := perFrameCallbacks[name]
	if !ok {
		return CallbackInfo{Kind: CallbackNone}
	}
	return CallbackInfo{Kind: kind, Name: name}
}

// IsPerFrameCallback checks if a method name is a per-frame engine message.
func IsPerFrameCallback(name string) bool {
	_, ok := perFrameCallbacks[name]
	return ok
}

// IsPerfCritical reports whether m is invoked by the engine every frame: an
// instance method with a callback name declared on a MonoBehaviour subclass.
func IsPerfCritical(h Hierarchy, m *module.Method) bool {
	if m.Type == nil || m.Flags&module.MethodStatic != 0 || !IsPerFrameCallback(m.Name) {
		return false
	}
	return h.DerivesFrom(m.Type.FullName(), MonoBehaviour)
}

// Callbacks returns the recognized callback names.
func Callbacks() []string {
	names := make([]string, 0, len(perFrameCallbacks))
	for name := range perFrameCallbacks {
		names = append(names, name)
	}
	return names
}
