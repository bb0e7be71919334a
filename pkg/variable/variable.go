// Package variable converts live Go values into a size-bounded,
// depth-bounded tree of Nodes suitable for shipping to a remote
// collector.
package variable

import (
	"fmt"
	"reflect"
)

// defaultMaxLen is the value-length cap applied to ordinary scalars.
// The exception's own message field uses a larger cap (see
// ReflectWithLimit); both are enforced here via the maxLen parameter.
const (
	defaultMaxLen = 200
	maxChildren   = 10
)

// Node is a reflected variable: a name, a type label, an
// optional bounded value, and optional children for containers.
type Node struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Value       string          `json:"value,omitempty"`
	IsNull      bool            `json:"is_null"`
	IsTruncated bool            `json:"is_truncated"`
	Children    map[string]Node `json:"children,omitempty"`
}

// Reflect converts value into a Node, bounded by maxDepth and using
// the default 200-byte string cap and 10-child container cap. depth
// is the current tree depth (0 at the root).
func Reflect(name string, value interface{}, depth, maxDepth int) Node {
	return reflectValue(name, value, depth, maxDepth, defaultMaxLen, maxChildren)
}

// ReflectWithLimit is like Reflect but allows a caller-supplied
// string length cap (used for the exception's own message field,
// which is capped at 500 bytes instead of 200).
func ReflectWithLimit(name string, value interface{}, depth, maxDepth, maxLen int) Node {
	return reflectValue(name, value, depth, maxDepth, maxLen, maxChildren)
}

// ReflectContainer is like Reflect but allows a caller-supplied child
// cap (used for request-context containers, which allow 20 children
// for query/form params and 10 for session data).
func ReflectContainer(name string, value interface{}, depth, maxDepth, maxLen, childCap int) Node {
	return reflectValue(name, value, depth, maxDepth, maxLen, childCap)
}

func reflectValue(name string, value interface{}, depth, maxDepth, maxLen, childCap int) Node {
	if depth > maxDepth {
		return Node{
			Name:        name,
			Type:        typeNameOf(value),
			Value:       "<max depth exceeded>",
			IsTruncated: true,
		}
	}

	if value == nil {
		return Node{Name: name, Type: "null", Value: "null", IsNull: true}
	}

	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Invalid:
		return Node{Name: name, Type: "null", Value: "null", IsNull: true}

	case reflect.Bool:
		return Node{Name: name, Type: "bool", Value: fmt.Sprintf("%v", v.Bool())}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Node{Name: name, Type: v.Type().String(), Value: fmt.Sprintf("%d", v.Int())}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Node{Name: name, Type: v.Type().String(), Value: fmt.Sprintf("%d", v.Uint())}

	case reflect.Float32, reflect.Float64:
		return Node{Name: name, Type: v.Type().String(), Value: fmt.Sprintf("%v", v.Float())}

	case reflect.Complex64, reflect.Complex128:
		return Node{Name: name, Type: v.Type().String(), Value: fmt.Sprintf("%v", v.Complex())}

	case reflect.String:
		return reflectString(name, v.String(), maxLen)

	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return Node{Name: name, Type: v.Type().String(), Value: "null", IsNull: true}
		}
		return reflectValue(name, v.Elem().Interface(), depth, maxDepth, maxLen, childCap)

	case reflect.Slice, reflect.Array:
		return reflectContainer(name, v, depth, maxDepth, maxLen, childCap)

	case reflect.Map:
		return reflectMap(name, v, depth, maxDepth, maxLen, childCap)

	case reflect.Struct:
		return Node{Name: name, Type: typeNameOf(value), Value: typeNameOf(value)}

	default:
		return Node{Name: name, Type: v.Kind().String(), Value: "[" + v.Kind().String() + "]"}
	}
}

func reflectString(name, s string, maxLen int) Node {
	if len(s) <= maxLen {
		return Node{Name: name, Type: "string", Value: s}
	}
	truncated := s[:maxLen]
	if maxLen == defaultMaxLen {
		truncated += "..."
	}
	return Node{Name: name, Type: "string", Value: truncated, IsTruncated: true}
}

func reflectContainer(name string, v reflect.Value, depth, maxDepth, maxLen, childCap int) Node {
	n := v.Len()
	node := Node{Name: name, Type: v.Type().String(), Value: fmt.Sprintf("Array(%d)", n)}

	if depth >= maxDepth || n > childCap {
		return node
	}

	children := make(map[string]Node, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("arg%d", i)
		children[key] = reflectValue(key, v.Index(i).Interface(), depth+1, maxDepth, maxLen, childCap)
	}
	node.Children = children
	return node
}

func reflectMap(name string, v reflect.Value, depth, maxDepth, maxLen, childCap int) Node {
	keys := v.MapKeys()
	n := len(keys)
	node := Node{Name: name, Type: v.Type().String(), Value: fmt.Sprintf("Array(%d)", n)}

	if depth >= maxDepth || n > childCap {
		return node
	}

	children := make(map[string]Node, n)
	for _, key := range keys {
		keyStr := fmt.Sprintf("%v", key.Interface())
		children[keyStr] = reflectValue(keyStr, v.MapIndex(key).Interface(), depth+1, maxDepth, maxLen, childCap)
	}
	node.Children = children
	return node
}

func typeNameOf(value interface{}) string {
	t := reflect.TypeOf(value)
	if t == nil {
		return "null"
	}
	if t.Kind() == reflect.Ptr {
		return t.Elem().String()
	}
	return t.String()
}
