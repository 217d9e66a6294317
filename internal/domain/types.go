package domain

import (
	"fmt"
	"sort"
	"time"
)

type OpType uint8

const (
	OpPut OpType = iota + 1
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// RegionID identifies a region in the numbering of whichever region stores it.
type RegionID int

const (
	RegionIDUnknown RegionID = -1
	// RegionIDNull marks rows written before the table was multi-region.
	RegionIDNull  RegionID = 0
	RegionIDLocal RegionID = 1
)

// Valid reports whether id names an actual region rather than a sentinel.
func (id RegionID) Valid() bool { return id >= RegionIDLocal }

type ShardID int32

// StreamPosition maps each shard of a change stream to a sequence number.
type StreamPosition map[ShardID]uint64

func (p StreamPosition) Clone() StreamPosition {
	out := make(StreamPosition, len(p))
	for s, v := range p {
		out[s] = v
	}
	return out
}

// Advance raises the position for shard to seq; it never lowers it.
func (p StreamPosition) Advance(shard ShardID, seq uint64) {
	if cur, ok := p[shard]; !ok || seq > cur {
		p[shard] = seq
	}
}

func (p StreamPosition) Equal(o StreamPosition) bool {
	if len(p) != len(o) {
		return false
	}
	for s, v := range p {
		if ov, ok := o[s]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (p StreamPosition) Shards() []ShardID {
	out := make([]ShardID, 0, len(p))
	for s := range p {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type FieldType uint8

const (
	TypeInteger FieldType = iota + 1
	TypeLong
	TypeNumber
	TypeString
	TypeBoolean
	TypeBinary
	TypeDocument
)

func (t FieldType) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeLong:
		return "long"
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	case TypeBoolean:
		return "boolean"
	case TypeBinary:
		return "binary"
	case TypeDocument:
		return "document"
	default:
		return "unknown"
	}
}

func (t FieldType) MarshalText() ([]byte, error) {
	if t < TypeInteger || t > TypeDocument {
		return nil, fmt.Errorf("unknown field type %d", t)
	}
	return []byte(t.String()), nil
}

func (t *FieldType) UnmarshalText(b []byte) error {
	for c := TypeInteger; c <= TypeDocument; c++ {
		if c.String() == string(b) {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown field type %q", b)
}

type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Counter  bool      `json:"counter,omitempty"`
	Optional bool      `json:"optional,omitempty"`
	Default  any       `json:"default,omitempty"`

	// CounterPaths lists dotted paths of replicated counters nested inside a document field.
	CounterPaths []string `json:"counter_paths,omitempty"`
}

// Table is one version of a replicated table definition.
type Table struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	Version    int      `json:"version"`
	PrimaryKey []string `json:"primary_key"`
	Fields     []Field  `json:"fields"`

	// Flexible tables store schema-less JSON documents keyed by the primary key.
	Flexible bool `json:"flexible,omitempty"`
}

func (t *Table) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	c := *t
	c.PrimaryKey = append([]string(nil), t.PrimaryKey...)
	c.Fields = make([]Field, len(t.Fields))
	for i, f := range t.Fields {
		f.CounterPaths = append([]string(nil), f.CounterPaths...)
		c.Fields[i] = f
	}
	return &c
}

// Row is a table row in the numbering space of one region.
type Row struct {
	Table        string
	TableID      int64
	TableVersion int

	// PrimaryKey names the key fields of the table shape the row was written under.
	PrimaryKey []string
	Fields     map[string]any
	RegionID   RegionID
	ModTime    time.Time
	ExpireTime time.Time
	Tombstone  bool
}

func (r Row) Expired(now time.Time) bool {
	return !r.ExpireTime.IsZero() && !r.ExpireTime.After(now)
}

// StreamOperation is one change read from a source region's stream.
type StreamOperation struct {
	Type OpType

	// Key is the serialized primary key as carried by the stream.
	Key string

	Row          Row
	Shard        ShardID
	Position     uint64
	ModTime      time.Time
	SourceRegion string
}
