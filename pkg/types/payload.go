package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PayloadNode is one element of the canonical JSON representation of an SPL
// document. The mapping is:
//
//	element -> {"@name": tag, "@ns": uri, "@attrs": {...}, "#text": text, "children": [...]}
//
// Attribute order and child order follow the source document. Empty members
// are omitted. The namespace URI is recorded once per element.
type PayloadNode struct {
	Name     string
	NS       string
	Attrs    []PayloadAttr
	Text     string
	Children []*PayloadNode
}

// PayloadAttr is a single attribute; a slice preserves source order, which a
// Go map would not.
type PayloadAttr struct {
	Name  string
	Value string
}

// MarshalJSON writes the node with a fixed member order so the canonical
// form is byte-stable: @name, @ns, @attrs, #text, children.
func (n *PayloadNode) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString(`"@name":`)
	writeJSONString(&buf, n.Name)

	if n.NS != "" {
		buf.WriteString(`,"@ns":`)
		writeJSONString(&buf, n.NS)
	}
	if len(n.Attrs) > 0 {
		buf.WriteString(`,"@attrs":{`)
		for i, a := range n.Attrs {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(&buf, a.Name)
			buf.WriteByte(':')
			writeJSONString(&buf, a.Value)
		}
		buf.WriteByte('}')
	}
	if n.Text != "" {
		buf.WriteString(`,"#text":`)
		writeJSONString(&buf, n.Text)
	}
	if len(n.Children) > 0 {
		buf.WriteString(`,"children":[`)
		for i, c := range n.Children {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := c.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a node back from its canonical form, preserving
// attribute order via json.Decoder token scanning.
func (n *PayloadNode) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	return n.decode(dec)
}

func (n *PayloadNode) decode(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("payload: expected object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)

		switch key {
		case "@name":
			if err := decodeString(dec, &n.Name); err != nil {
				return err
			}
		case "@ns":
			if err := decodeString(dec, &n.NS); err != nil {
				return err
			}
		case "#text":
			if err := decodeString(dec, &n.Text); err != nil {
				return err
			}
		case "@attrs":
			if err := n.decodeAttrs(dec); err != nil {
				return err
			}
		case "children":
			if err := n.decodeChildren(dec); err != nil {
				return err
			}
		default:
			return fmt.Errorf("payload: unknown member %q", key)
		}
	}

	// Consume the closing brace.
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

func (n *PayloadNode) decodeAttrs(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("payload: @attrs must be an object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		var val string
		if err := decodeString(dec, &val); err != nil {
			return err
		}
		n.Attrs = append(n.Attrs, PayloadAttr{Name: keyTok.(string), Value: val})
	}
	_, err = dec.Token()
	return err
}

func (n *PayloadNode) decodeChildren(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return fmt.Errorf("payload: children must be an array")
	}
	for dec.More() {
		child := &PayloadNode{}
		if err := child.decode(dec); err != nil {
			return err
		}
		n.Children = append(n.Children, child)
	}
	_, err = dec.Token()
	return err
}

func decodeString(dec *json.Decoder, dst *string) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	s, ok := tok.(string)
	if !ok {
		return fmt.Errorf("payload: expected string, got %v", tok)
	}
	*dst = s
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
