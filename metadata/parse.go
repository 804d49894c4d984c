package metadata

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/b71729/openmcd/core"
)

const rootElement = "MCDSchema"

// readRecords tokenises the metadata document into records, in document order.
// Each direct child of the root is a record and each of its children a field.
// Deeper nesting is flattened into the text of the enclosing field.
func readRecords(doc []byte) (namespace string, records []*Record, err error) {
	decoder := xml.NewDecoder(bytes.NewReader(doc))
	decoder.Strict = true

	var (
		depth   int
		current *Record
		field   string
		text    strings.Builder
		seen    bool
	)
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, core.MetadataErrorf(rootElement, -1, "malformed document: %v", err)
		}
		switch t := token.(type) {
		case xml.StartElement:
			depth++
			switch depth {
			case 1:
				if t.Name.Local != rootElement {
					return "", nil, core.MetadataErrorf(rootElement, -1, "unexpected root element <%s>", t.Name.Local)
				}
				namespace = t.Name.Space
				seen = true
			case 2:
				current = newRecord(t.Name.Local)
			case 3:
				field = t.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if depth >= 3 {
				text.Write(t)
			}
		case xml.EndElement:
			switch depth {
			case 2:
				records = append(records, current)
				current = nil
			case 3:
				current.set(field, text.String())
			}
			depth--
		}
	}
	if !seen {
		return "", nil, core.MetadataErrorf(rootElement, -1, "document has no <%s> root", rootElement)
	}
	return namespace, records, nil
}
