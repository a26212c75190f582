package engine

import (
	"strings"

	"github.com/715d/ilaudit/pkg/module"
)

// valueTypes are runtime and engine structs that box when converted to object.
var valueTypes = []string{
	"System.Boolean",
	"System.Byte",
	"System.SByte",
	"System.Char",
	"System.Int16",
	"System.UInt16",
	"System.Int32",
	"System.UInt32",
	"System.Int64",
	"System.UInt64",
	"System.Single",
	"System.Double",
	"System.Decimal",
	"System.IntPtr",
	"System.UIntPtr",
	"System.DateTime",
	"System.TimeSpan",
	"System.Guid",
	"UnityEngine.Vector2",
	"UnityEngine.Vector3",
	"UnityEngine.Vector4",
	"UnityEngine.Vector2Int",
	"UnityEngine.Vector3Int",
	"UnityEngine.Quaternion",
	"UnityEngine.Color",
	"UnityEngine.Color32",
	"UnityEngine.Rect",
	"UnityEngine.Bounds",
	"UnityEngine.Matrix4x4",
	"UnityEngine.Ray",
	"UnityEngine.RaycastHit",
	"UnityEngine.LayerMask",
}

// hierarchy is the engine's behaviour chain, nearest base last.
var hierarchy = [][2]string{
	{Object, "System.Object"},
	{Component, Object},
	{Behaviour, Component},
	{MonoBehaviour, Behaviour},
	{"UnityEngine.ScriptableObject", Object},
	{"System.ValueType", "System.Object"},
	{"System.Enum", "System.ValueType"},
	{"System.String", "System.Object"},
}

// Seeds returns type metadata for runtime and engine types so inheritance
// and value-type questions resolve without the engine's own images.
func Seeds() []module.TypeInfo {
	seeds := make([]module.TypeInfo, 0, len(valueTypes)+len(hierarchy)+1)
	seeds = append(seeds, module.TypeInfo{FullName: "System.Object", Module: "mscorlib"})
	for _, h := range hierarchy {
		seeds = append(seeds, module.TypeInfo{FullName: h[0], BaseType: h[1], Module: moduleOf(h[0])})
	}
	for _, name := range valueTypes {
		seeds = append(seeds, module.TypeInfo{
			FullName:  name,
			BaseType:  "System.ValueType",
			ValueType: true,
			Module:    moduleOf(name),
		})
	}
	return seeds
}

func moduleOf(name string) string {
	if strings.HasPrefix(name, "UnityEngine.") {
		return "UnityEngine"
	}
	return "mscorlib"
}
