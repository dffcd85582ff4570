package hierarchy

import "testing"

func TestRootCode(t *testing.T) {
	c := RootCode(7)
	if got := c.String(); got != "7.0.0" {
		t.Fatalf("got %q, want 7.0.0", got)
	}
	if !c.IsRoot() {
		t.Fatal("root code not recognized as root")
	}
}

func TestParse(t *testing.T) {
	c, err := Parse("12.3.4")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Root != 12 || c.Level != 3 || c.Suffix != 4 {
		t.Fatalf("got %+v", c)
	}

	for _, bad := range []string{"", "1", "1.2", "1.2.3.4", "a.0.0", "1.-2.0", "1..0"} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q): expected error", bad)
		}
	}
}

func TestChildCode(t *testing.T) {
	root := RootCode(1)

	b := ChildCode(root, 1)
	if b.String() != "1.1.0" {
		t.Fatalf("first child of root: got %s", b)
	}
	c := ChildCode(root, 2)
	if c.String() != "1.2.0" {
		t.Fatalf("second child of root: got %s", c)
	}
	d := ChildCode(b, 1)
	if d.String() != "1.1.1" {
		t.Fatalf("grandchild: got %s", d)
	}
	if b.IsRoot() || d.IsRoot() {
		t.Fatal("non-root code reported as root")
	}
}

func TestChildCodeKeepsRootSegment(t *testing.T) {
	code := RootCode(42)
	for i := int64(1); i <= 3; i++ {
		code = ChildCode(code, i)
		if code.Root != 42 {
			t.Fatalf("root segment drifted: %s", code)
		}
	}
}
