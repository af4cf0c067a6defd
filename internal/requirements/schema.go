package requirements

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaJSON []byte
	compiled   *gojsonschema.Schema
	schemaErr  error
)

func loadSchema() {
	r := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schema = r.Reflect(&Product{})
	schema.Version = "http://json-schema.org/draft-07/schema#"
	schema.ID = ""
	schema.Title = "Product"
	schema.Description = "Product requirements document."

	schemaJSON, schemaErr = json.Marshal(schema)
	if schemaErr != nil {
		schemaErr = fmt.Errorf("requirements: marshal schema: %w", schemaErr)
		return
	}
	compiled, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if schemaErr != nil {
		schemaErr = fmt.Errorf("requirements: compile schema: %w", schemaErr)
	}
}

// Schema returns the JSON Schema reflected from Product. The returned value
// is shared and must not be modified.
func Schema() *jsonschema.Schema {
	schemaOnce.Do(loadSchema)
	return schema
}

// SchemaJSON returns the encoded schema.
func SchemaJSON() []byte {
	schemaOnce.Do(loadSchema)
	return schemaJSON
}

// SchemaMap returns a fresh decoded copy of the schema, suitable for tool
// parameter definitions.
func SchemaMap() map[string]any {
	var m map[string]any
	if err := json.Unmarshal(SchemaJSON(), &m); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

// ValidationError reports every schema violation of a document.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "requirements: invalid product: " + strings.ReplaceAll(e.Err.Error(), "\n", "; ")
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validate checks p against the schema.
func Validate(p *Product) error {
	if p == nil {
		return &ValidationError{Err: errors.New("product is nil")}
	}
	n := *p
	n.Normalize()
	raw, err := json.Marshal(&n)
	if err != nil {
		return fmt.Errorf("requirements: encode: %w", err)
	}
	return ValidateJSON(raw)
}

// ValidateJSON checks an encoded document against the schema.
func ValidateJSON(raw []byte) error {
	schemaOnce.Do(loadSchema)
	if schemaErr != nil {
		return schemaErr
	}
	res, err := compiled.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &ValidationError{Err: fmt.Errorf("decode: %w", err)}
	}
	if res.Valid() {
		return nil
	}
	errs := make([]error, 0, len(res.Errors()))
	for _, re := range res.Errors() {
		errs = append(errs, errors.New(re.String()))
	}
	return &ValidationError{Err: errors.Join(errs...)}
}

// Decode validates raw and decodes it into a normalized Product.
func Decode(raw []byte) (*Product, error) {
	if err := ValidateJSON(raw); err != nil {
		return nil, err
	}
	var p Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("requirements: decode: %w", err)
	}
	p.Normalize()
	return &p, nil
}
