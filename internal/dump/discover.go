// Package dump knows the on-disk layout of a dump: which files hold table
// data, which database and table they belong to, and how to read them.
package dump

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Format is the encoding of a data file.
type Format string

const (
	FormatJSON   Format = "json"
	FormatJSONGz Format = "jsongz"
)

// FormatOf returns the format implied by the extension of path.
func FormatOf(path string) (Format, bool) {
	switch filepath.Ext(path) {
	case ".json":
		return FormatJSON, true
	case ".jsongz":
		return FormatJSONGz, true
	}
	return "", false
}

// DataFile is one table data file of the dump.
type DataFile struct {
	Path     string
	Database string
	Table    string
	Format   Format
}

// NamesFromPath derives database and table names from a data file path:
// the parent directory is the database, the file stem is the table.
// Names are NFC-normalized so that decomposed file names (as some
// filesystems store them) match the names recorded in metadata.
func NamesFromPath(path string) (database, table string, err error) {
	dir := filepath.Base(filepath.Dir(path))
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	if dir == "." || dir == string(filepath.Separator) || dir == "" {
		return "", "", fmt.Errorf("no database directory in path %s", path)
	}
	if stem == "" {
		return "", "", fmt.Errorf("no table name in path %s", path)
	}
	return norm.NFC.String(dir), norm.NFC.String(stem), nil
}

// Discover walks root and returns its data files in lexical order.
// Files whose resolved location falls outside root are rejected.
func Discover(root string) ([]DataFile, error) {
	var files []DataFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		format, ok := FormatOf(path)
		if !ok {
			return nil
		}

		resolved, err := ValidatePath(path, root)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		database, table, err := NamesFromPath(path)
		if err != nil {
			return err
		}
		files = append(files, DataFile{
			Path:     resolved,
			Database: database,
			Table:    table,
			Format:   format,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
