package diagramtext

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sanonone/graphsync/pkg/model"
)

// Format writes the canonical text of doc. It fails for documents the
// language cannot express, such as port ids with spaces.
func Format(doc model.Document) (string, error) {
	var b strings.Builder

	for _, n := range doc.Nodes {
		key, err := keyText(n.Key)
		if err != nil {
			return "", err
		}
		b.WriteString("component ")
		b.WriteString(key)
		if n.Name != n.Key.String() {
			if strings.Contains(n.Name, "\n") {
				return "", fmt.Errorf("component %s: name spans several lines", n.Key)
			}
			b.WriteString(" ")
			b.WriteString(quote(n.Name))
		}
		if n.Loc != "" {
			pt, err := model.ParseLoc(n.Loc)
			if err != nil {
				return "", fmt.Errorf("component %s: %w", n.Key, err)
			}
			fmt.Fprintf(&b, " at %s", pt)
		}
		if n.Category != "" {
			if !isWord(n.Category) {
				return "", fmt.Errorf("component %s: category %q cannot be written", n.Key, n.Category)
			}
			b.WriteString(" category ")
			b.WriteString(n.Category)
		}
		if n.Group != nil {
			g, err := keyText(*n.Group)
			if err != nil {
				return "", err
			}
			b.WriteString(" group ")
			b.WriteString(g)
		}
		b.WriteString("\n")

		for _, side := range []model.Side{model.SideLeft, model.SideRight} {
			dir := "in"
			if side == model.SideRight {
				dir = "out"
			}
			for _, p := range n.Ports(side) {
				if !isWord(p.PortID) || strings.Contains(p.PortID, ".") {
					return "", fmt.Errorf("component %s: port id %q cannot be written", n.Key, p.PortID)
				}
				if strings.Contains(p.Unit, "]") {
					return "", fmt.Errorf("component %s: unit %q cannot be written", n.Key, p.Unit)
				}
				fmt.Fprintf(&b, "  %s %s", dir, p.PortID)
				if p.Unit != "" {
					fmt.Fprintf(&b, " [%s]", p.Unit)
				}
				if p.Label != "" {
					if strings.Contains(p.Label, "\n") {
						return "", fmt.Errorf("component %s: label of port %s spans several lines", n.Key, p.PortID)
					}
					b.WriteString(" ")
					b.WriteString(quote(p.Label))
				}
				b.WriteString("\n")
			}
		}
	}

	for i, l := range doc.Links {
		from, err := endpointText(l.From, l.FromPort)
		if err != nil {
			return "", fmt.Errorf("link %s: %w", l.Key, err)
		}
		to, err := endpointText(l.To, l.ToPort)
		if err != nil {
			return "", fmt.Errorf("link %s: %w", l.Key, err)
		}
		fmt.Fprintf(&b, "connect %s -> %s", from, to)
		if l.Key != model.IntKey(-int64(i+1)) {
			key, err := keyText(l.Key)
			if err != nil {
				return "", err
			}
			b.WriteString(" as ")
			b.WriteString(key)
		}
		if l.Category != "" {
			if !isWord(l.Category) {
				return "", fmt.Errorf("link %s: category %q cannot be written", l.Key, l.Category)
			}
			b.WriteString(" category ")
			b.WriteString(l.Category)
		}
		b.WriteString("\n")
	}

	return b.String(), nil
}

// TextOrder returns doc with its links reordered so that links keyed -1,
// -2, ... come first in that order, followed by the others in their original
// order. Format then writes those links without "as", which keeps the text
// of a canvas graph (links ordered by key) the same as the text it was
// parsed from.
func TextOrder(doc model.Document) model.Document {
	byAuto := make(map[int64]int)
	for i, l := range doc.Links {
		if !l.Key.Numeric() {
			continue
		}
		if v, err := strconv.ParseInt(l.Key.String(), 10, 64); err == nil && v < 0 {
			byAuto[-v] = i
		}
	}

	links := make([]model.Link, 0, len(doc.Links))
	taken := make(map[int]bool)
	for k := int64(1); ; k++ {
		i, ok := byAuto[k]
		if !ok {
			break
		}
		links = append(links, doc.Links[i])
		taken[i] = true
	}
	for i, l := range doc.Links {
		if !taken[i] {
			links = append(links, l)
		}
	}
	return model.Document{Nodes: doc.Nodes, Links: links}
}

// keyText writes numeric keys bare, string keys bare when they read back as
// the same string key and quoted otherwise.
func keyText(k model.Key) (string, error) {
	if k.IsZero() {
		return "", fmt.Errorf("empty key")
	}
	if k.Numeric() {
		return k.String(), nil
	}
	s := k.String()
	if isWord(s) && !looksNumeric(s) && !isKeyword(s) {
		return s, nil
	}
	if strings.Contains(s, "\n") {
		return "", fmt.Errorf("key %q cannot be written", s)
	}
	return quote(s), nil
}

func endpointText(node model.Key, port string) (string, error) {
	key, err := keyText(node)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(key, `"`) {
		return "", fmt.Errorf("component key %q cannot be used in a connection", node.String())
	}
	if !isWord(port) || strings.Contains(port, ".") {
		return "", fmt.Errorf("port id %q cannot be used in a connection", port)
	}
	return key + "." + port, nil
}

func isWord(s string) bool {
	if s == "" || strings.HasPrefix(s, "#") {
		return false
	}
	return !strings.ContainsAny(s, " \t\n\"[]")
}

func looksNumeric(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func isKeyword(s string) bool {
	switch s {
	case "component", "in", "out", "connect", "at", "category", "group", "as", "->":
		return true
	}
	return false
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
