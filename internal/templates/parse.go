package templates

import (
	"errors"
	"fmt"
	"io"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/classifier"
)

const schemaURL = "https://autoreg.local/schemas/field-mapping.schema.json"

// mappingSchema is the structural contract for one template document. The field
// enum is filled from schemas.AllFieldKinds.
const mappingSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["manufacturer", "entries"],
  "additionalProperties": false,
  "properties": {
    "manufacturer": {"type": "string", "minLength": 1},
    "rules_version": {"type": "string"},
    "url_pattern": {"type": "string"},
    "entries": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["field", "hints"],
        "additionalProperties": false,
        "properties": {
          "field": {"enum": %s},
          "required": {"type": "boolean"},
          "help_text": {"type": "string"},
          "hints": {
            "type": "object",
            "minProperties": 1,
            "additionalProperties": false,
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "id": {"type": "string", "minLength": 1},
              "type": {"type": "string", "minLength": 1},
              "label": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    }
  }
}`

var compiledSchema = func() *jsonschema.Schema {
	kinds, err := json.Marshal(schemas.AllFieldKinds)
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(fmt.Sprintf(mappingSchema, kinds))); err != nil {
		panic(fmt.Sprintf("template schema load failed: %v", err))
	}
	return c.MustCompile(schemaURL)
}()

// Parse reads every YAML document in r as a FieldMapping. Each document is
// checked against the template schema and then against the rule table, and
// all problems are reported together.
func Parse(r io.Reader, name string) ([]*schemas.FieldMapping, error) {
	dec := yaml.NewDecoder(r)
	var (
		out  []*schemas.FieldMapping
		errs []error
	)
	for i := 0; ; i++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: document %d: invalid YAML: %w", name, i, err)
		}
		m, err := decodeDocument(&node)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: document %d: %w", name, i, err))
			continue
		}
		out = append(out, m)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no template documents", name)
	}
	return out, nil
}

func decodeDocument(node *yaml.Node) (*schemas.FieldMapping, error) {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return nil, err
	}
	// Round trip through JSON so the validator sees JSON-native values.
	js, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("document is not representable as JSON: %w", err)
	}
	var doc any
	if err := json.Unmarshal(js, &doc); err != nil {
		return nil, err
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, err
	}

	var m schemas.FieldMapping
	if err := node.Decode(&m); err != nil {
		return nil, err
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate applies the checks the schema cannot express: the rules-version
// constraint must accept the current field kinds, and each field may be bound
// only once.
func Validate(m *schemas.FieldMapping) error {
	if m == nil {
		return errors.New("template is nil")
	}
	var errs []error
	if schemas.ManufacturerKey(m.Manufacturer) == "" {
		errs = append(errs, errors.New("manufacturer is empty"))
	}
	ok, err := classifier.Compatible(m.RulesVersion)
	switch {
	case err != nil:
		errs = append(errs, err)
	case !ok:
		errs = append(errs, fmt.Errorf("rules version %q does not accept field kinds %s", m.RulesVersion, classifier.RulesVersion()))
	}
	seen := make(map[schemas.FieldKind]bool, len(m.Entries))
	for i, e := range m.Entries {
		if !e.Field.Valid() {
			errs = append(errs, fmt.Errorf("entry %d: unknown field %q", i, e.Field))
		}
		if e.Hints.Empty() {
			errs = append(errs, fmt.Errorf("entry %d: no selector hints", i))
		}
		if seen[e.Field] {
			errs = append(errs, fmt.Errorf("entry %d: field %q is mapped twice", i, e.Field))
		}
		seen[e.Field] = true
	}
	return errors.Join(errs...)
}
