package kafka

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"regionsync/internal/crdt"
	"regionsync/internal/domain"
)

// jsonEnvelope is the wire form of one change. Counter fields travel in Counters as
// per-region partial counts keyed by dotted field path.
type jsonEnvelope struct {
	Op           string                      `json:"op"`
	Table        string                      `json:"table"`
	TableID      int64                       `json:"table_id"`
	TableVersion int                         `json:"table_version"`
	Key          string                      `json:"key"`
	PrimaryKey   []string                    `json:"primary_key"`
	Fields       map[string]any              `json:"fields"`
	Counters     map[string]map[string]int64 `json:"counters"`
	RegionID     *int                        `json:"region_id"`
	ModTime      string                      `json:"mod_time"`
	ExpireTime   string                      `json:"expire_time"`
}

func (a *Adapter) normalizeRecord(rec *kgo.Record) (domain.StreamOperation, error) {
	var (
		op  domain.StreamOperation
		err error
	)
	switch a.cfg.ParseMode {
	case ParseModeJSON:
		op, err = parseJSONEnvelope(rec.Value)
	case ParseModeProtobuf:
		op, err = parseProtobufEnvelope(rec.Value)
	case ParseModeCustom:
		if a.cfg.CustomMapper == nil {
			return op, errors.New("custom mapper not configured")
		}
		op, err = a.cfg.CustomMapper.MapKafkaRecord(rec)
	default:
		return op, fmt.Errorf("unsupported parse mode %q", a.cfg.ParseMode)
	}
	if err != nil {
		return op, err
	}
	op.Shard = domain.ShardID(rec.Partition)
	op.Position = uint64(rec.Offset)
	op.SourceRegion = a.cfg.SourceRegion
	if op.Key == "" && len(rec.Key) > 0 {
		op.Key = string(rec.Key)
	}
	return op, validateOperation(op)
}

func parseJSONEnvelope(payload []byte) (domain.StreamOperation, error) {
	var in jsonEnvelope
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return domain.StreamOperation{}, fmt.Errorf("parse json envelope: %w", err)
	}
	return in.operation()
}

// parseProtobufEnvelope accepts a google.protobuf.Struct carrying the same keys as the
// JSON envelope.
func parseProtobufEnvelope(payload []byte) (domain.StreamOperation, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(payload, &s); err != nil {
		return domain.StreamOperation{}, fmt.Errorf("parse protobuf envelope: %w", err)
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return domain.StreamOperation{}, fmt.Errorf("parse protobuf envelope: %w", err)
	}
	return parseJSONEnvelope(raw)
}

func (in jsonEnvelope) operation() (domain.StreamOperation, error) {
	var op domain.StreamOperation
	switch strings.ToLower(in.Op) {
	case "put", "insert", "update":
		op.Type = domain.OpPut
	case "delete":
		op.Type = domain.OpDelete
	default:
		return op, fmt.Errorf("unsupported op %q", in.Op)
	}

	modTime, err := parseTime("mod_time", in.ModTime)
	if err != nil {
		return op, err
	}
	expireTime, err := parseTime("expire_time", in.ExpireTime)
	if err != nil {
		return op, err
	}

	fields := in.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	counters := make(map[string]crdt.Counter, len(in.Counters))
	for path, entries := range in.Counters {
		c, err := crdt.FromEntries(entries)
		if err != nil {
			return op, fmt.Errorf("counter %q: %w", path, err)
		}
		counters[path] = c
	}
	if err := crdt.Install(fields, counters); err != nil {
		return op, fmt.Errorf("install counters: %w", err)
	}

	regionID := domain.RegionIDUnknown
	if in.RegionID != nil {
		regionID = domain.RegionID(*in.RegionID)
	}

	op.Key = in.Key
	op.ModTime = modTime
	op.Row = domain.Row{
		Table:        in.Table,
		TableID:      in.TableID,
		TableVersion: in.TableVersion,
		PrimaryKey:   in.PrimaryKey,
		Fields:       fields,
		RegionID:     regionID,
		ModTime:      modTime,
		ExpireTime:   expireTime,
		Tombstone:    op.Type == domain.OpDelete,
	}
	return op, nil
}

func parseTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return t.UTC(), nil
}

func validateOperation(op domain.StreamOperation) error {
	if strings.TrimSpace(op.Row.Table) == "" {
		return errors.New("table is required")
	}
	if op.Type == domain.OpDelete && op.Key == "" && len(op.Row.PrimaryKey) == 0 {
		return errors.New("delete needs a key or primary_key")
	}
	return nil
}
