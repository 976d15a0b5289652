package jira

import (
	"strings"
)

// ConvertToADF renders plain text as an Atlassian Document Format doc.
// Supported constructs: #/##/### headings, "- " and "* " bullets,
// fenced code blocks, and plain paragraphs. The conversion is
// deterministic and round-trips through ConvertFromADF.
func ConvertToADF(text string) map[string]any {
	var content []map[string]any

	lines := strings.Split(text, "\n")
	var bullets []string
	var code []string
	var codeLang string
	inCode := false

	flushBullets := func() {
		if len(bullets) == 0 {
			return
		}
		items := make([]map[string]any, 0, len(bullets))
		for _, b := range bullets {
			items = append(items, map[string]any{
				"type":    "listItem",
				"content": []map[string]any{paragraphNode(b)},
			})
		}
		content = append(content, map[string]any{"type": "bulletList", "content": items})
		bullets = nil
	}

	for _, line := range lines {
		if inCode {
			if strings.TrimSpace(line) == "```" {
				node := map[string]any{
					"type":    "codeBlock",
					"content": textContent(strings.Join(code, "\n")),
				}
				if codeLang != "" {
					node["attrs"] = map[string]any{"language": codeLang}
				}
				content = append(content, node)
				inCode = false
				code = nil
				codeLang = ""
				continue
			}
			code = append(code, line)
			continue
		}

		switch {
		case strings.HasPrefix(line, "```"):
			flushBullets()
			inCode = true
			codeLang = strings.TrimSpace(strings.TrimPrefix(line, "```"))
		case strings.HasPrefix(line, "### "):
			flushBullets()
			content = append(content, headingNode(3, strings.TrimPrefix(line, "### ")))
		case strings.HasPrefix(line, "## "):
			flushBullets()
			content = append(content, headingNode(2, strings.TrimPrefix(line, "## ")))
		case strings.HasPrefix(line, "# "):
			flushBullets()
			content = append(content, headingNode(1, strings.TrimPrefix(line, "# ")))
		case strings.HasPrefix(line, "- "):
			bullets = append(bullets, strings.TrimPrefix(line, "- "))
		case strings.HasPrefix(line, "* "):
			bullets = append(bullets, strings.TrimPrefix(line, "* "))
		default:
			flushBullets()
			content = append(content, paragraphNode(line))
		}
	}
	flushBullets()
	// An unterminated fence degrades to a code block.
	if inCode {
		node := map[string]any{
			"type":    "codeBlock",
			"content": textContent(strings.Join(code, "\n")),
		}
		if codeLang != "" {
			node["attrs"] = map[string]any{"language": codeLang}
		}
		content = append(content, node)
	}

	if len(content) == 0 {
		content = append(content, paragraphNode(""))
	}
	return map[string]any{
		"version": 1,
		"type":    "doc",
		"content": content,
	}
}

// ConvertFromADF extracts plain text from an ADF document. Unknown node
// types degrade to the concatenation of their children's text.
func ConvertFromADF(adf map[string]any) string {
	if adf == nil {
		return ""
	}
	return renderNode(adf)
}

func renderNode(node map[string]any) string {
	nodeType, _ := node["type"].(string)
	switch nodeType {
	case "text":
		s, _ := node["text"].(string)
		return s
	case "doc":
		return joinChildren(node, "\n")
	case "paragraph":
		return joinChildren(node, "")
	case "heading":
		level := intAttr(node, "level", 1)
		if level < 1 {
			level = 1
		}
		return strings.Repeat("#", level) + " " + joinChildren(node, "")
	case "bulletList", "orderedList":
		var items []string
		for _, child := range childNodes(node) {
			items = append(items, "- "+joinChildren(child, ""))
		}
		return strings.Join(items, "\n")
	case "listItem":
		return joinChildren(node, "")
	case "codeBlock":
		lang := ""
		if attrs, ok := node["attrs"].(map[string]any); ok {
			lang, _ = attrs["language"].(string)
		}
		return "```" + lang + "\n" + joinChildren(node, "") + "\n```"
	default:
		return joinChildren(node, "")
	}
}

func joinChildren(node map[string]any, sep string) string {
	var parts []string
	for _, child := range childNodes(node) {
		parts = append(parts, renderNode(child))
	}
	return strings.Join(parts, sep)
}

// childNodes tolerates both native and JSON-decoded content shapes.
func childNodes(node map[string]any) []map[string]any {
	var out []map[string]any
	switch children := node["content"].(type) {
	case []map[string]any:
		out = children
	case []any:
		for _, c := range children {
			if m, ok := c.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

func intAttr(node map[string]any, key string, fallback int) int {
	attrs, ok := node["attrs"].(map[string]any)
	if !ok {
		return fallback
	}
	switch v := attrs[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func headingNode(level int, text string) map[string]any {
	return map[string]any{
		"type":    "heading",
		"attrs":   map[string]any{"level": level},
		"content": textContent(text),
	}
}

func paragraphNode(text string) map[string]any {
	return map[string]any{
		"type":    "paragraph",
		"content": textContent(text),
	}
}

// textContent returns zero nodes for empty text: ADF rejects empty
// text nodes.
func textContent(text string) []map[string]any {
	if text == "" {
		return []map[string]any{}
	}
	return []map[string]any{{"type": "text", "text": text}}
}
