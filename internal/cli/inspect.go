package cli

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/mopemope/meghanada-server-sub002/internal/analysis"
	"github.com/mopemope/meghanada-server-sub002/internal/projectmap"
	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

// entityView is a detached copy of an entity for printing.
type entityView struct {
	Type    string
	StoreID string
	Props   map[string]any
	Blobs   []string
}

func viewOf(e *entitystore.Entity) (entityView, error) {
	props, err := e.Properties()
	if err != nil {
		return entityView{}, err
	}

	blobs, err := e.BlobNames()
	if err != nil {
		return entityView{}, err
	}

	return entityView{Type: e.Type(), StoreID: e.StoreID(), Props: props, Blobs: blobs}, nil
}

func printViews(o *IO, views []entityView, verbose bool) {
	for _, v := range views {
		o.Printf("%s\t%s\n", v.Type, v.StoreID)

		if !verbose {
			continue
		}

		names := make([]string, 0, len(v.Props))
		for name := range v.Props {
			names = append(names, name)
		}

		slices.Sort(names)

		for _, name := range names {
			o.Printf("  %s = %s\n", name, formatValue(v.Props[name]))
		}

		if len(v.Blobs) > 0 {
			o.Printf("  blobs: %v\n", v.Blobs)
		}
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

// parseValue turns a command-line value into a property value. Integers,
// floats and booleans are recognized unless raw is set.
func parseValue(s string, raw bool) any {
	if raw {
		return s
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}

	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}

	return s
}

func showEntity(ctx context.Context, o *IO, s *entitystore.Store, entityType, storeID string) error {
	return s.View(ctx, func(tx *entitystore.Tx) error {
		e, err := tx.Entity(entityType, storeID)
		if err != nil {
			return err
		}

		v, err := viewOf(e)
		if err != nil {
			return err
		}

		printViews(o, []entityView{v}, true)

		for _, name := range v.Blobs {
			data, err := e.Blob(name)
			if err != nil {
				o.Printf("  [%s] unreadable: %v\n", name, err)

				continue
			}

			o.Printf("  [%s] %d bytes: %s\n", name, len(data), describeBlob(entityType, name, data))
		}

		return nil
	})
}

// describeBlob summarizes a blob of a known entity type.
func describeBlob(entityType, name string, data []byte) string {
	switch {
	case entityType == analysis.EntityTypeSource && name == entitystore.SerializeKey:
		src, err := analysis.DecodeSource(data)
		if err != nil {
			return "undecodable source: " + err.Error()
		}

		return fmt.Sprintf("package %q, classes %v, %d imports", src.Package, src.ClassNames(), len(src.Imports))

	case entityType == analysis.EntityTypeMember && name == entitystore.SerializeKey:
		members, err := analysis.DecodeMembers(data)
		if err != nil {
			return "undecodable members: " + err.Error()
		}

		sigs := make([]string, 0, len(members))
		for _, m := range members {
			sigs = append(sigs, m.Signature())
		}

		return fmt.Sprintf("%d members %v", len(members), sigs)

	case entityType == projectmap.EntityType && name == projectmap.BlobCallers:
		entries, err := projectmap.DecodeSetMap(data)
		if err != nil {
			return "undecodable caller map: " + err.Error()
		}

		callers := 0
		for _, set := range entries {
			callers += len(set)
		}

		return fmt.Sprintf("%d classes, %d callers", len(entries), callers)

	case entityType == projectmap.EntityType:
		entries, err := projectmap.Decode(data)
		if err != nil {
			return "undecodable map: " + err.Error()
		}

		return fmt.Sprintf("%d entries", len(entries))

	default:
		return "opaque"
	}
}

// printInfo prints the store location, manifest and entity counts.
func printInfo(ctx context.Context, o *IO, p *project, s *entitystore.Store) error {
	loc := s.Location()

	o.Printf("project:  %s\n", p.root)
	o.Printf("store:    %s\n", loc.Dir)

	m, err := entitystore.ReadManifest(loc.Dir)
	if err != nil {
		o.Warn("manifest unreadable", "run 'cachectl purge --force' if the store misbehaves")
	} else {
		o.Printf("created:  %s\n", m.CreatedAt.Format(time.RFC3339))
		o.Printf("tool:     %s (schema %d)\n", m.ToolVersion, m.Schema)

		if m.JavaVersion != "" || m.JavaHome != "" {
			o.Printf("java:     %s %s\n", m.JavaVersion, m.JavaHome)
		}
	}

	type count struct {
		entityType string
		n          int64
	}

	counts, err := entitystore.ComputeReadonly(ctx, s, func(tx *entitystore.Tx) ([]count, error) {
		types, err := tx.EntityTypes()
		if err != nil {
			return nil, err
		}

		out := make([]count, 0, len(types))

		for _, t := range types {
			n, err := tx.Count(t)
			if err != nil {
				return nil, err
			}

			out = append(out, count{t, n})
		}

		return out, nil
	})
	if err != nil {
		return fmt.Errorf("count entities: %w", err)
	}

	o.Println("entities:")

	if len(counts) == 0 {
		o.Println("  (none)")
	}

	for _, c := range counts {
		o.Printf("  %-10s %d\n", c.entityType, c.n)
	}

	for _, blob := range []string{projectmap.BlobChecksum, projectmap.BlobSourceMap} {
		m, err := projectmap.Load(ctx, s, p.root, blob)
		if err != nil {
			o.Warn(blob+" map unreadable", "it is rebuilt on the next session")

			continue
		}

		o.Printf("%-9s %d entries\n", blob+":", m.Len())
	}

	callers, err := projectmap.LoadSetMap(ctx, s, p.root, projectmap.BlobCallers)
	if err != nil {
		o.Warn("caller map unreadable", "it is rebuilt on the next session")

		return nil
	}

	o.Printf("%-9s %d classes\n", "caller:", callers.Len())

	return nil
}
