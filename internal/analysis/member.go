package analysis

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mopemope/meghanada-server-sub002/internal/wire"
	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

const (
	memberMagic   = "MGMB"
	memberVersion = 1
)

// MemberKind classifies a [Member].
type MemberKind uint8

const (
	KindField MemberKind = iota + 1
	KindMethod
	KindConstructor
	KindClass
)

func (k MemberKind) String() string {
	switch k {
	case KindField:
		return "FIELD"
	case KindMethod:
		return "METHOD"
	case KindConstructor:
		return "CONSTRUCTOR"
	case KindClass:
		return "CLASS"
	default:
		return "UNKNOWN"
	}
}

// Member describes one reflected member of a class.
type Member struct {
	DeclaringClass string
	Name           string
	Kind           MemberKind
	Modifiers      string
	ReturnType     string
	Parameters     []string
	TypeParameters []string
	Exceptions     []string
}

// Signature renders the member like a Java declaration head.
func (m Member) Signature() string {
	switch m.Kind {
	case KindMethod, KindConstructor:
		return fmt.Sprintf("%s(%s)", m.Name, strings.Join(m.Parameters, ", "))
	default:
		return m.Name
	}
}

// EncodeMembers serializes members.
func EncodeMembers(members []Member) []byte {
	e := wire.NewEncoder(memberMagic, memberVersion)
	e.Uvarint(uint64(len(members)))

	for _, m := range members {
		e.String(m.DeclaringClass)
		e.String(m.Name)
		e.Uvarint(uint64(m.Kind))
		e.String(m.Modifiers)
		e.String(m.ReturnType)
		e.Strings(m.Parameters)
		e.Strings(m.TypeParameters)
		e.Strings(m.Exceptions)
	}

	return e.Bytes()
}

var errMemberKind = errors.New("unknown member kind")

// DecodeMembers parses data written by [EncodeMembers].
func DecodeMembers(data []byte) ([]Member, error) {
	d, err := wire.NewDecoder(data, memberMagic, memberVersion)
	if err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}

	n := d.Len()

	var out []Member
	if n > 0 {
		out = make([]Member, 0, n)
	}

	for range n {
		m := Member{
			DeclaringClass: d.String(),
			Name:           d.String(),
			Kind:           MemberKind(d.Uvarint()),
			Modifiers:      d.String(),
			ReturnType:     d.String(),
			Parameters:     d.Strings(),
			TypeParameters: d.Strings(),
			Exceptions:     d.Strings(),
		}

		if m.Kind < KindField || m.Kind > KindClass {
			return nil, fmt.Errorf("decode members: %w: %w %d", wire.ErrCorrupt, errMemberKind, m.Kind)
		}

		out = append(out, m)
	}

	err = d.Finish()
	if err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}

	return out, nil
}

// MemberRecord adapts the members of one class to [entitystore.Storable].
// The store id is the FQCN.
type MemberRecord struct {
	FQCN    string
	Members []Member
}

func (r MemberRecord) EntityType() string { return EntityTypeMember }
func (r MemberRecord) StoreID() string    { return r.FQCN }

func (r MemberRecord) Export(e *entitystore.Entity) error {
	err := e.SetProperty(PropDeclaration, r.FQCN)
	if err != nil {
		return err
	}

	err = e.SetProperty(PropPackage, PackageOf(r.FQCN))
	if err != nil {
		return err
	}

	return e.SetProperty(PropMemberCount, len(r.Members))
}

func (r MemberRecord) Marshal() ([]byte, error) {
	return EncodeMembers(r.Members), nil
}

// PackageOf returns the package part of fqcn, or "" for the default package.
func PackageOf(fqcn string) string {
	i := strings.LastIndexByte(fqcn, '.')
	if i < 0 {
		return ""
	}

	return fqcn[:i]
}
