package convert

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"regionsync/internal/crdt"
	"regionsync/internal/domain"
)

// ErrNotApplicable means the row needs no write: the table is gone or the row is skipped.
var ErrNotApplicable = errors.New("operation not applicable")

// Incompatibility reasons, used as metric labels.
const (
	ReasonPrimaryKey = "primary_key"
	ReasonRegion     = "region"
	ReasonCRDTType   = "crdt_type"
	ReasonCRDTRegion = "crdt_region"
	ReasonModTime    = "mod_time"
	ReasonField      = "field"
)

type Metadata interface {
	IsDropped(tableID int64) bool
	Translate(sourceRegion string, id domain.RegionID) (domain.RegionID, error)
}

type Observer interface {
	Incompatible(table, reason string)
	UnknownRegion(table string)
}

// Converter translates rows from a source region's numbering and table shape into the
// target table.
type Converter struct {
	meta     Metadata
	observer Observer
	logger   *zap.Logger
}

func New(meta Metadata, observer Observer, logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{meta: meta, observer: observer, logger: logger}
}

// Convert returns the target row for src, or an error wrapping ErrNotApplicable when the
// operation should complete without a write. domain.ErrUnassignedRegion is returned bare.
func (c *Converter) Convert(op domain.OpType, sourceRegion string, src domain.Row, target *domain.Table) (domain.Row, error) {
	if target == nil {
		return domain.Row{}, fmt.Errorf("%w: table %q removed from replication", ErrNotApplicable, src.Table)
	}
	if c.meta.IsDropped(target.ID) {
		return domain.Row{}, fmt.Errorf("%w: table %q id %d dropped", ErrNotApplicable, target.Name, target.ID)
	}

	if err := CheckPrimaryKey(src, target); err != nil {
		return domain.Row{}, c.incompatible(target.Name, ReasonPrimaryKey, err)
	}

	srcRegion := src.RegionID
	switch srcRegion {
	case domain.RegionIDNull:
		return domain.Row{}, fmt.Errorf("%w: table %q", domain.ErrUnassignedRegion, target.Name)
	case domain.RegionIDUnknown:
		c.logger.Warn("unknown source region id, substituting local region",
			zap.String("table", target.Name), zap.String("sourceRegion", sourceRegion))
		if c.observer != nil {
			c.observer.UnknownRegion(target.Name)
		}
		srcRegion = domain.RegionIDLocal
	}
	regionID, err := c.meta.Translate(sourceRegion, srcRegion)
	if err != nil {
		return domain.Row{}, c.incompatible(target.Name, ReasonRegion, err)
	}

	out := domain.Row{
		Table:        target.Name,
		TableID:      target.ID,
		TableVersion: target.Version,
		PrimaryKey:   append([]string(nil), target.PrimaryKey...),
		RegionID:     regionID,
		ModTime:      src.ModTime,
		Tombstone:    op == domain.OpDelete,
	}
	if op == domain.OpPut {
		out.ExpireTime = src.ExpireTime
	}

	if target.Flexible {
		out.Fields = copyFields(src.Fields)
		return out, nil
	}

	fields, err := parseAgainst(src, op, target)
	if err != nil {
		return domain.Row{}, c.incompatible(target.Name, ReasonField, err)
	}
	out.Fields = fields

	if op == domain.OpPut {
		if reason, err := c.mergeCounters(sourceRegion, src, target, out.Fields); err != nil {
			return domain.Row{}, c.incompatible(target.Name, reason, err)
		}
	}

	if src.ModTime.IsZero() {
		return domain.Row{}, c.incompatible(target.Name, ReasonModTime, errors.New("row has no modification time"))
	}
	return out, nil
}

func (c *Converter) incompatible(table, reason string, err error) error {
	if c.observer != nil {
		c.observer.Incompatible(table, reason)
	}
	c.logger.Debug("row skipped", zap.String("table", table), zap.String("reason", reason), zap.Error(err))
	return fmt.Errorf("%w: %w: %s: %v", ErrNotApplicable, domain.ErrIncompatible, reason, err)
}

func (c *Converter) mergeCounters(sourceRegion string, src domain.Row, target *domain.Table, fields map[string]any) (string, error) {
	translate := func(id domain.RegionID) (domain.RegionID, error) {
		return c.meta.Translate(sourceRegion, id)
	}

	for name, v := range src.Fields {
		if _, isCounter := v.(crdt.Counter); !isCounter {
			continue
		}
		f, ok := target.Field(name)
		if ok && !f.Counter {
			return ReasonCRDTType, fmt.Errorf("field %q is a counter in the source only", name)
		}
	}

	for _, f := range target.Fields {
		switch {
		case f.Counter:
			v, ok := src.Fields[f.Name]
			if !ok {
				continue
			}
			sc, isCounter := v.(crdt.Counter)
			if !isCounter {
				return ReasonCRDTType, fmt.Errorf("field %q is a counter in the target only", f.Name)
			}
			dst := crdt.Counter{}
			if err := dst.MergeTranslated(sc, translate); err != nil {
				return ReasonCRDTRegion, fmt.Errorf("field %q: %w", f.Name, err)
			}
			fields[f.Name] = dst
		case f.Type == domain.TypeDocument:
			reason, err := mergeNested(f, src.Fields[f.Name], fields, translate)
			if err != nil {
				return reason, err
			}
		}
	}
	return "", nil
}

func mergeNested(f domain.Field, srcValue any, fields map[string]any, translate crdt.TranslateFunc) (string, error) {
	srcDoc, ok := srcValue.(map[string]any)
	if !ok {
		return "", nil
	}
	declared := make(map[string]bool, len(f.CounterPaths))
	for _, p := range f.CounterPaths {
		declared[p] = true
	}
	for p := range crdt.Extract(srcDoc) {
		if !declared[p] {
			return ReasonCRDTType, fmt.Errorf("field %q path %q is a counter in the source only", f.Name, p)
		}
	}
	dstDoc, ok := fields[f.Name].(map[string]any)
	if !ok {
		return "", nil
	}
	for _, p := range f.CounterPaths {
		v, ok := crdt.Get(srcDoc, p)
		if !ok {
			continue
		}
		sc, isCounter := v.(crdt.Counter)
		if !isCounter {
			return ReasonCRDTType, fmt.Errorf("field %q path %q is a counter in the target only", f.Name, p)
		}
		dst := crdt.Counter{}
		if err := dst.MergeTranslated(sc, translate); err != nil {
			return ReasonCRDTRegion, fmt.Errorf("field %q path %q: %w", f.Name, p, err)
		}
		if err := crdt.Set(dstDoc, p, dst); err != nil {
			return ReasonCRDTType, err
		}
	}
	return "", nil
}

// CheckPrimaryKey verifies the source key shape matches the target table.
func CheckPrimaryKey(src domain.Row, target *domain.Table) error {
	if len(src.PrimaryKey) > 0 {
		if len(src.PrimaryKey) != len(target.PrimaryKey) {
			return fmt.Errorf("key has %d fields, target has %d", len(src.PrimaryKey), len(target.PrimaryKey))
		}
		for i, name := range src.PrimaryKey {
			if name != target.PrimaryKey[i] {
				return fmt.Errorf("key field %d is %q, target has %q", i, name, target.PrimaryKey[i])
			}
		}
	}
	for _, name := range target.PrimaryKey {
		v, ok := src.Fields[name]
		if !ok || v == nil {
			return fmt.Errorf("key field %q missing", name)
		}
		if target.Flexible {
			continue
		}
		f, ok := target.Field(name)
		if !ok {
			return fmt.Errorf("key field %q not in target schema", name)
		}
		if !keyValueFits(v, f.Type) {
			return fmt.Errorf("key field %q value %T does not fit %s", name, v, f.Type)
		}
	}
	return nil
}

func keyValueFits(v any, t domain.FieldType) bool {
	switch v.(type) {
	case string:
		return t == domain.TypeString
	case bool:
		return t == domain.TypeBoolean
	case []byte:
		return t == domain.TypeBinary
	case int, int32, int64, float64, json.Number:
		return t == domain.TypeInteger || t == domain.TypeLong || t == domain.TypeNumber
	default:
		return false
	}
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return copyFields(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopy(e)
		}
		return out
	case crdt.Counter:
		return x.Clone()
	case []byte:
		return append([]byte(nil), x...)
	default:
		return v
	}
}
