package rlm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// contextBindings turns caller context into the names bound in a fresh
// session: context keeps its shape (string or array), context_str is its text
// rendering. It returns the rendered size for the system prompt.
func contextBindings(query string, contextData interface{}) (map[string]interface{}, int, error) {
	value, text, err := normalizeContext(contextData)
	if err != nil {
		return nil, 0, err
	}
	return map[string]interface{}{
		"context":     value,
		"context_str": text,
		"query":       query,
	}, len(text), nil
}

func normalizeContext(contextData interface{}) (interface{}, string, error) {
	switch v := contextData.(type) {
	case nil:
		return "", "", nil
	case string:
		return v, v, nil
	case []string:
		items := make([]interface{}, len(v))
		for i, s := range v {
			items[i] = s
		}
		return items, strings.Join(v, "\n"), nil
	case []Message:
		return messagesContext(v)
	case []interface{}:
		if msgs, ok := messagesFromMaps(v); ok {
			return messagesContext(msgs)
		}
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = formatValue(item)
		}
		return v, strings.Join(parts, "\n"), nil
	case []map[string]interface{}:
		items := make([]interface{}, len(v))
		for i, m := range v {
			items[i] = m
		}
		return normalizeContext(items)
	case fmt.Stringer:
		s := v.String()
		return s, s, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("unsupported context type %T: %w", contextData, err)
		}
		return string(data), string(data), nil
	}
}

func messagesContext(msgs []Message) (interface{}, string, error) {
	items := make([]interface{}, len(msgs))
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		items[i] = map[string]interface{}{"role": m.Role, "content": m.Content}
		lines[i] = fmt.Sprintf("%s: %s", m.Role, m.Content)
	}
	return items, strings.Join(lines, "\n"), nil
}

// messagesFromMaps accepts a list of {"role", "content"} objects.
func messagesFromMaps(items []interface{}) ([]Message, bool) {
	if len(items) == 0 {
		return nil, false
	}
	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, false
		}
		role, okRole := m["role"].(string)
		content, okContent := m["content"].(string)
		if !okRole || !okContent {
			return nil, false
		}
		msgs = append(msgs, Message{Role: role, Content: content})
	}
	return msgs, true
}
