package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/emperorhan/cargo-escrow/internal/apperror"
	"github.com/xeipuuv/gojsonschema"
)

const maxRequestBodyBytes = 1 << 20

//go:embed schemas/*.json
var schemaFS embed.FS

type schemaSet map[string]*gojsonschema.Schema

// loadSchemas compiles every embedded request schema, keyed by file name
// without extension.
func loadSchemas() (schemaSet, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	set := make(schemaSet, len(entries))
	for _, e := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", e.Name(), err)
		}
		set[strings.TrimSuffix(e.Name(), ".json")] = schema
	}
	return set, nil
}

// decode reads the request body, validates it against the named schema and
// unmarshals it into v. An empty body is validated as an empty object.
func (s schemaSet) decode(w http.ResponseWriter, r *http.Request, name string, v any) error {
	schema, ok := s[name]
	if !ok {
		return apperror.Internal(fmt.Errorf("schema %q not loaded", name), "validate request")
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.Validationf("request body exceeds %d bytes", maxRequestBodyBytes)
		}
		return apperror.Validation("could not read request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return apperror.Validation("request body is not valid JSON")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return apperror.Validation(strings.Join(msgs, "; "))
	}

	if err := json.Unmarshal(body, v); err != nil {
		return apperror.Validationf("request body does not match the expected shape: %v", err)
	}
	return nil
}
