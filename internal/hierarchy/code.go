// Package hierarchy computes dotted-path module codes and assembles the
// module forest. Codes have exactly three integer segments, root.level.suffix:
// the root segment is the id of the tree's root module, level numbers the
// direct children of the root, and suffix numbers one level below that.
package hierarchy

import (
	"fmt"
	"strconv"
	"strings"
)

// Code is a parsed module code.
type Code struct {
	Root   int64
	Level  int64
	Suffix int64
}

// RootCode returns the code of a root module: "<id>.0.0".
func RootCode(moduleID int64) Code {
	return Code{Root: moduleID}
}

// IsRoot reports whether c marks a root module.
func (c Code) IsRoot() bool {
	return c.Level == 0 && c.Suffix == 0
}

func (c Code) String() string {
	return fmt.Sprintf("%d.%d.%d", c.Root, c.Level, c.Suffix)
}

// Parse splits a stored code into its three segments. It fails on anything
// that is not exactly three dot-separated non-negative integers.
func Parse(s string) (Code, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Code{}, fmt.Errorf("code %q: want 3 segments, got %d", s, len(parts))
	}
	var segs [3]int64
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil || v < 0 {
			return Code{}, fmt.Errorf("code %q: segment %d is not a non-negative integer", s, i+1)
		}
		segs[i] = v
	}
	return Code{Root: segs[0], Level: segs[1], Suffix: segs[2]}, nil
}

// ChildCode derives the code for the ordinal-th child of a parent. Children
// of a root take the level slot; children one deeper take the suffix slot.
// Deeper nesting reuses the suffix slot, so codes below the third level are
// not unique on their own.
func ChildCode(parent Code, ordinal int64) Code {
	if parent.IsRoot() {
		return Code{Root: parent.Root, Level: ordinal}
	}
	return Code{Root: parent.Root, Level: parent.Level, Suffix: ordinal}
}
