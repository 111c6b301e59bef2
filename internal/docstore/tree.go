package docstore

import (
	"encoding/json"
	"fmt"
	"strings"
)

// splitPath はパスをセグメントに分割する。前後の "/" は無視する。
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// joinPath はセグメントをパスに結合する。
func joinPath(parts []string) string {
	return strings.Join(parts, "/")
}

// normalize は任意の値をJSONの汎用表現（map[string]any, []any, float64 等）に変換する。
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	var data []byte
	switch v := value.(type) {
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		data = v
	case []byte:
		data = v
	default:
		var err error
		data, err = json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value: %w", err)
		}
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return prune(out), nil
}

// prune は空のオブジェクトとnullの子を取り除く。
// ツリー上で空のノードは存在しないものとして扱う。
func prune(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		child = prune(child)
		if child == nil {
			delete(m, k)
			continue
		}
		m[k] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// getNode はrootからpartsで示されるノードを返す。存在しない場合はnilを返す。
func getNode(root any, parts []string) any {
	node := root
	for _, p := range parts {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[p]
	}
	return node
}

// setNode はrootのpartsの位置にvalueを設定した新しいルートを返す。
// valueがnilの場合はノードを削除し、空になった親も取り除く。
func setNode(root any, parts []string, value any) any {
	if len(parts) == 0 {
		return value
	}

	m, ok := root.(map[string]any)
	if !ok {
		if value == nil {
			return root
		}
		m = make(map[string]any)
	}

	child := setNode(m[parts[0]], parts[1:], value)
	if child == nil {
		delete(m, parts[0])
	} else {
		m[parts[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// encodeNode はノードをJSONに変換する。nilは "null" になる。
func encodeNode(node any) (json.RawMessage, error) {
	data, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node: %w", err)
	}
	return data, nil
}

// related はaとbが同じパスか、一方が他方の祖先であるかを返す。
func related(a, b string) bool {
	a = strings.Trim(a, "/")
	b = strings.Trim(b, "/")
	if a == b || a == "" || b == "" {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// ancestors はpath自身とその祖先のパスを浅い順に返す。
func ancestors(path string) []string {
	parts := splitPath(path)
	out := make([]string, 0, len(parts))
	for i := 1; i <= len(parts); i++ {
		out = append(out, joinPath(parts[:i]))
	}
	return out
}
