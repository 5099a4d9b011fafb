// Package analysis defines the analysis results that are cached and
// persisted: parsed sources and reflected class members.
package analysis

import (
	"fmt"
	"slices"

	"github.com/mopemope/meghanada-server-sub002/internal/wire"
	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

// Entity types and property names used in the store.
const (
	EntityTypeSource = "Source"
	EntityTypeMember = "Member"

	PropFilePath    = "filePath"
	PropPackage     = "package"
	PropDeclaration = "declaration"
	PropClassCount  = "classCount"
	PropMemberCount = "memberCount"
	PropCompileErr  = "hasCompileError"
)

const (
	sourceMagic   = "MGSR"
	sourceVersion = 1
)

// ClassScope is a type declared in a source file.
type ClassScope struct {
	FQCN      string
	Kind      string // class, interface, enum, record, annotation
	StartLine int
	EndLine   int
	Members   []string
}

// Source is the parse result of one Java source file.
type Source struct {
	Path    string
	Package string

	// Imports maps simple names to FQCNs.
	Imports       map[string]string
	StaticImports map[string]string

	Classes []ClassScope

	// Unknown lists referenced simple names that did not resolve.
	Unknown []string

	// Unused lists imports that are never referenced.
	Unused []string

	HasCompileError bool
}

// EmptySource is the value for a path whose file does not exist.
func EmptySource(path string) *Source {
	return &Source{Path: path}
}

// IsEmpty reports whether s carries no parse result.
func (s *Source) IsEmpty() bool {
	return s.Package == "" && len(s.Imports) == 0 && len(s.StaticImports) == 0 &&
		len(s.Classes) == 0 && len(s.Unknown) == 0 && len(s.Unused) == 0 && !s.HasCompileError
}

// ClassNames returns the FQCNs declared in s in declaration order.
func (s *Source) ClassNames() []string {
	out := make([]string, 0, len(s.Classes))
	for _, c := range s.Classes {
		out = append(out, c.FQCN)
	}

	return out
}

// EncodeSource serializes s.
func EncodeSource(s *Source) []byte {
	e := wire.NewEncoder(sourceMagic, sourceVersion)
	e.String(s.Path)
	e.String(s.Package)
	e.StringMap(s.Imports)
	e.StringMap(s.StaticImports)
	e.Uvarint(uint64(len(s.Classes)))

	for _, c := range s.Classes {
		e.String(c.FQCN)
		e.String(c.Kind)
		e.Int(c.StartLine)
		e.Int(c.EndLine)
		e.Strings(c.Members)
	}

	e.Strings(s.Unknown)
	e.Strings(s.Unused)
	e.Bool(s.HasCompileError)

	return e.Bytes()
}

// DecodeSource parses data written by [EncodeSource].
func DecodeSource(data []byte) (*Source, error) {
	d, err := wire.NewDecoder(data, sourceMagic, sourceVersion)
	if err != nil {
		return nil, fmt.Errorf("decode source: %w", err)
	}

	s := &Source{
		Path:          d.String(),
		Package:       d.String(),
		Imports:       d.StringMap(),
		StaticImports: d.StringMap(),
	}

	n := d.Len()
	if n > 0 {
		s.Classes = make([]ClassScope, 0, n)
	}

	for range n {
		s.Classes = append(s.Classes, ClassScope{
			FQCN:      d.String(),
			Kind:      d.String(),
			StartLine: d.Int(),
			EndLine:   d.Int(),
			Members:   d.Strings(),
		})
	}

	s.Unknown = d.Strings()
	s.Unused = d.Strings()
	s.HasCompileError = d.Bool()

	err = d.Finish()
	if err != nil {
		return nil, fmt.Errorf("decode source: %w", err)
	}

	return s, nil
}

// SourceRecord adapts a [Source] to [entitystore.Storable]. The store id is
// the canonical file path.
type SourceRecord struct {
	Source *Source
}

func (r SourceRecord) EntityType() string { return EntityTypeSource }
func (r SourceRecord) StoreID() string    { return r.Source.Path }

func (r SourceRecord) Export(e *entitystore.Entity) error {
	for _, p := range []struct {
		name  string
		value any
	}{
		{PropFilePath, r.Source.Path},
		{PropPackage, r.Source.Package},
		{PropClassCount, len(r.Source.Classes)},
		{PropCompileErr, r.Source.HasCompileError},
	} {
		err := e.SetProperty(p.name, p.value)
		if err != nil {
			return err
		}
	}

	return nil
}

func (r SourceRecord) Marshal() ([]byte, error) {
	if r.Source == nil {
		return nil, fmt.Errorf("nil source")
	}

	return EncodeSource(r.Source), nil
}

// SortedImports returns the imported FQCNs of s in sorted order.
func (s *Source) SortedImports() []string {
	out := make([]string, 0, len(s.Imports))
	for _, fqcn := range s.Imports {
		out = append(out, fqcn)
	}

	slices.Sort(out)

	return out
}
