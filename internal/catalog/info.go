package catalog

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

// BinaryType is the pseudo-type tag of the server's binary values.
const BinaryType = "BINARY"

type tableInfo struct {
	Name       string      `json:"name"`
	DB         *dbInfo     `json:"db"`
	PrimaryKey string      `json:"primary_key"`
	Indexes    []indexInfo `json:"indexes"`
}

type dbInfo struct {
	Name string `json:"name"`
}

type indexInfo struct {
	Index    string          `json:"index"`
	Function json.RawMessage `json:"function"`
}

type binaryEnvelope struct {
	Type string          `json:"$reql_type$"`
	Data json.RawMessage `json:"data"`
}

// Parse parses the contents of one metadata file.
func Parse(data []byte) (TableDescriptor, error) {
	var info tableInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return TableDescriptor{}, fmt.Errorf("%w: %w", ErrMetadataParse, err)
	}

	switch {
	case info.Name == "":
		return TableDescriptor{}, fmt.Errorf("%w: missing table name", ErrMetadataParse)
	case info.DB == nil || info.DB.Name == "":
		return TableDescriptor{}, fmt.Errorf("%w: table %s: missing database name", ErrMetadataParse, info.Name)
	case info.PrimaryKey == "":
		return TableDescriptor{}, fmt.Errorf("%w: table %s: missing primary key", ErrMetadataParse, info.Name)
	}

	t := TableDescriptor{
		Name:       info.Name,
		Database:   DatabaseDescriptor{Name: info.DB.Name},
		PrimaryKey: info.PrimaryKey,
		Indexes:    make([]IndexDescriptor, 0, len(info.Indexes)),
	}
	for i, idx := range info.Indexes {
		if idx.Index == "" {
			return TableDescriptor{}, fmt.Errorf("%w: table %s: index %d has no name", ErrMetadataParse, info.Name, i)
		}
		def, err := indexDefinition(idx.Function)
		if err != nil {
			return TableDescriptor{}, fmt.Errorf("%w: table %s: index %s: %w", ErrMetadataParse, info.Name, idx.Index, err)
		}
		t.Indexes = append(t.Indexes, IndexDescriptor{Name: idx.Index, Definition: def})
	}
	return t, nil
}

// indexDefinition extracts the opaque payload of an index function, either
// from a binary envelope or from a bare string. The payload is the string
// content exactly as stored; it is never base64-decoded.
func indexDefinition(fn json.RawMessage) ([]byte, error) {
	fn = bytes.TrimSpace(fn)
	if len(fn) == 0 || bytes.Equal(fn, []byte("null")) {
		return nil, fmt.Errorf("missing function")
	}

	switch fn[0] {
	case '"':
		return rawString(fn)
	case '{':
		var env binaryEnvelope
		if err := json.Unmarshal(fn, &env); err != nil {
			return nil, err
		}
		if env.Type != BinaryType {
			return nil, fmt.Errorf("unexpected function type %q", env.Type)
		}
		return rawString(bytes.TrimSpace(env.Data))
	default:
		return nil, fmt.Errorf("function is neither a binary value nor a string")
	}
}

// rawString returns the value of a JSON string literal. Literals without
// escapes are copied verbatim.
func rawString(lit []byte) ([]byte, error) {
	if len(lit) < 2 || lit[0] != '"' || lit[len(lit)-1] != '"' {
		return nil, fmt.Errorf("function data is not a string")
	}
	body := lit[1 : len(lit)-1]
	if bytes.IndexByte(body, '\\') < 0 {
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}
	var s string
	if err := json.Unmarshal(lit, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}
