package docstore

import (
	"encoding/json"
	"testing"
)

func TestSplitPath(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"/", 0},
		{"users", 1},
		{"/users/a/tasks/1/", 4},
	}
	for _, tt := range tests {
		if got := len(splitPath(tt.in)); got != tt.want {
			t.Errorf("splitPath(%q) has %d parts, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSetNode_CreatesAndPrunes(t *testing.T) {
	var root any
	root = setNode(root, splitPath("users/a/tasks/1"), map[string]any{"text": "x"})
	root = setNode(root, splitPath("users/a/tasks/2"), map[string]any{"text": "y"})

	tasks, ok := getNode(root, splitPath("users/a/tasks")).(map[string]any)
	if !ok || len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %v", tasks)
	}

	root = setNode(root, splitPath("users/a/tasks/1"), nil)
	root = setNode(root, splitPath("users/a/tasks/2"), nil)
	if root != nil {
		t.Errorf("空になった親ノードは取り除かれるべき: %v", root)
	}
}

func TestSetNode_DeleteMissingIsNoop(t *testing.T) {
	root := setNode(nil, splitPath("users/a/state"), "active")
	root = setNode(root, splitPath("users/a/tasks/404"), nil)

	if getNode(root, splitPath("users/a/state")) != "active" {
		t.Error("存在しないノードの削除で他のノードが変化してはならない")
	}
}

func TestNormalize_PrunesEmptyObjects(t *testing.T) {
	got, err := normalize(json.RawMessage(`{"a":{},"b":null,"c":{"d":1}}`))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	m := got.(map[string]any)
	if _, ok := m["a"]; ok {
		t.Error("空のオブジェクトは取り除かれるべき")
	}
	if _, ok := m["b"]; ok {
		t.Error("nullの子は取り除かれるべき")
	}
	if _, ok := m["c"]; !ok {
		t.Error("値を持つ子は残るべき")
	}
}

func TestRelated(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"users/a", "users/a", true},
		{"users/a", "users/a/tasks/1", true},
		{"users/a/tasks/1", "users/a", true},
		{"users/a", "users/ab", false},
		{"users/a", "users/b/tasks/1", false},
		{"", "users/a", true},
	}
	for _, tt := range tests {
		if got := related(tt.a, tt.b); got != tt.want {
			t.Errorf("related(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestAncestors(t *testing.T) {
	got := ancestors("users/a/tasks")
	want := []string{"users", "users/a", "users/a/tasks"}
	if len(got) != len(want) {
		t.Fatalf("ancestors = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ancestors[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
