// Package catalog reads the per-table metadata files of a dump and groups
// them by owning database.
package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// InfoExtension is the extension of table metadata files.
const InfoExtension = ".info"

// ErrMetadataParse is wrapped by every error produced while reading a metadata file.
var ErrMetadataParse = errors.New("metadata parse error")

// DatabaseDescriptor identifies a database. It is comparable and used as a map key.
type DatabaseDescriptor struct {
	Name string
}

// IndexDescriptor is a secondary index. Definition holds the opaque,
// transport-encoded function body exactly as it appeared in the metadata file.
type IndexDescriptor struct {
	Name       string
	Definition []byte
}

// TableDescriptor describes one table of the dump.
type TableDescriptor struct {
	Name       string
	Database   DatabaseDescriptor
	PrimaryKey string
	Indexes    []IndexDescriptor
}

// Catalog holds table descriptors grouped by database.
// Databases keep the order in which they were first seen, tables the order
// in which their metadata files were found.
type Catalog struct {
	databases []DatabaseDescriptor
	tables    map[DatabaseDescriptor][]TableDescriptor
}

// New builds a catalog from descriptors in discovery order.
func New(tables []TableDescriptor) *Catalog {
	c := &Catalog{tables: make(map[DatabaseDescriptor][]TableDescriptor)}
	for _, t := range tables {
		if _, ok := c.tables[t.Database]; !ok {
			c.databases = append(c.databases, t.Database)
		}
		c.tables[t.Database] = append(c.tables[t.Database], t)
	}
	return c
}

// Databases returns the databases of the catalog.
func (c *Catalog) Databases() []DatabaseDescriptor {
	return c.databases
}

// Tables returns the tables of db.
func (c *Catalog) Tables(db DatabaseDescriptor) []TableDescriptor {
	return c.tables[db]
}

// Len returns the number of tables in the catalog.
func (c *Catalog) Len() int {
	n := 0
	for _, ts := range c.tables {
		n += len(ts)
	}
	return n
}

// Load walks root and parses every metadata file below it.
// The first unreadable or malformed file aborts the load.
func Load(root string) (*Catalog, error) {
	var tables []TableDescriptor
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != InfoExtension {
			return nil
		}
		t, err := ParseFile(path)
		if err != nil {
			return err
		}
		tables = append(tables, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return New(tables), nil
}

// ParseFile reads and parses one metadata file.
func ParseFile(path string) (TableDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TableDescriptor{}, fmt.Errorf("%w: %s: %w", ErrMetadataParse, path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return TableDescriptor{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
