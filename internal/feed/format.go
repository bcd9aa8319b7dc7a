package feed

import (
	"sort"
	"strings"
)

// Operation kinds a subscription can watch
const (
	OperationInsert = "insert"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Format reshapes a raw change payload whose keys encode the changed path.
// Insert keys contain "-", update keys are dotted paths such as
// "campaigns.<id>.numberOfTasksRemaining", delete yields nil.
func Format(payload map[string]any, operation string) any {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var result any
	switch operation {
	case OperationInsert:
		for _, k := range keys {
			if strings.Contains(k, "-") {
				result = payload[k]
			}
		}
	case OperationUpdate:
		for _, k := range keys {
			if strings.Contains(k, ".") {
				result = formatUpdate(payload, k, result)
			}
		}
	}
	return result
}

func formatUpdate(payload map[string]any, property string, existing any) any {
	parts := strings.Split(property, ".")
	root := parts[0]

	data := make(map[string]any, len(payload))
	for k, v := range payload {
		data[k] = v
	}

	if len(parts) < 2 || parts[1] == "" {
		return payload[property]
	}

	var node map[string]any
	if prev, ok := existing.(map[string]any); ok {
		if inner, ok := prev[root].(map[string]any); ok {
			node = inner
		}
	}
	if node == nil {
		node = make(map[string]any)
	}

	if len(parts) > 2 {
		node[parts[2]] = payload[property]
	} else if value, ok := payload[property].(map[string]any); ok {
		node = make(map[string]any, len(value)+1)
		for k, v := range value {
			node[k] = v
		}
	} else {
		data[root] = payload[property]
		return data
	}
	node["_id"] = parts[1]
	data[root] = node
	return data
}
