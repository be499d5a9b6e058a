package server

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/tallylabs/tally/internal/types"
)

// parseIris extracts the message type and fields from an IRIS XML
// document. The root element carries MessageTypeId as an attribute or
// as a child element; every other child element becomes one message
// field keyed by its local name, valued by its flattened text.
func parseIris(body []byte) (int, map[string]any, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))

	var (
		t        int
		typeSeen bool
	)
	fields := make(map[string]any)

	// Skip to the root element.
	var rootFound bool
	for !rootFound {
		tok, err := dec.Token()
		if err != nil {
			return 0, nil, fmt.Errorf("invalid XML: %v", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		rootFound = true
		for _, attr := range se.Attr {
			if attr.Name.Local == "MessageTypeId" {
				n, err := strconv.Atoi(strings.TrimSpace(attr.Value))
				if err != nil {
					return 0, nil, fmt.Errorf("MessageTypeId %q is not an integer", attr.Value)
				}
				t, typeSeen = n, true
			}
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, nil, fmt.Errorf("invalid XML: %v", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		text, err := elementText(dec)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid XML: %v", err)
		}
		if se.Name.Local == "MessageTypeId" {
			n, err := strconv.Atoi(text)
			if err != nil {
				return 0, nil, fmt.Errorf("MessageTypeId %q is not an integer", text)
			}
			t, typeSeen = n, true
			continue
		}
		fields[se.Name.Local] = text
	}

	if !typeSeen {
		return 0, nil, fmt.Errorf("document carries no MessageTypeId")
	}
	return t, fields, nil
}

// elementText consumes the current element to its end tag and returns
// its trimmed text, ignoring markup of nested elements.
func elementText(dec *xml.Decoder) (string, error) {
	var sb strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch inner := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 1 {
				sb.Write(inner)
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

type irisAttribute struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type irisCounter struct {
	Name       string          `xml:"name,attr"`
	Attributes []irisAttribute `xml:"Attribute"`
}

type irisResponse struct {
	XMLName  xml.Name      `xml:"IngestResponse"`
	FactID   string        `xml:"FactId"`
	Counters []irisCounter `xml:"Counters>Counter"`
}

// irisResult renders the ingestion result for the XML boundary.
// Counters and attributes are emitted in name order so the document is
// deterministic.
func irisResult(res *types.IngestionResult) *irisResponse {
	out := &irisResponse{FactID: res.FactID}

	names := make([]string, 0, len(res.Counters))
	for name := range res.Counters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		vals := res.Counters[name]
		attrs := make([]string, 0, len(vals))
		for attr := range vals {
			attrs = append(attrs, attr)
		}
		sort.Strings(attrs)

		c := irisCounter{Name: name}
		for _, attr := range attrs {
			c.Attributes = append(c.Attributes, irisAttribute{Name: attr, Value: formatValue(vals[attr])})
		}
		out.Counters = append(out.Counters, c)
	}
	return out
}

// formatValue renders a counter value for XML and for generated
// documents. Integral floats lose the trailing ".0" the JSON decoder
// gave them.
func formatValue(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		if n == float64(int64(n)) {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(n, 10)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}
