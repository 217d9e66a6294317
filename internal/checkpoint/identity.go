package checkpoint

import (
	"fmt"
	"strconv"
	"strings"
)

const namePrefix = "ckpt"

// Identity names the checkpoint record of one agent in a group replicating a source
// region into a target region.
type Identity struct {
	SourceRegion string
	TargetRegion string
	GroupTotal   int
	GroupIndex   int
}

func (i Identity) Validate() error {
	if i.SourceRegion == "" || i.TargetRegion == "" {
		return fmt.Errorf("checkpoint identity: source and target region are required")
	}
	if strings.Contains(i.SourceRegion, ".") || strings.Contains(i.TargetRegion, ".") {
		return fmt.Errorf("checkpoint identity: region names must not contain '.'")
	}
	if i.GroupTotal < 1 {
		return fmt.Errorf("checkpoint identity: group total must be >= 1")
	}
	if i.GroupIndex < 0 || i.GroupIndex >= i.GroupTotal {
		return fmt.Errorf("checkpoint identity: group index %d outside [0,%d)", i.GroupIndex, i.GroupTotal)
	}
	return nil
}

// Name renders ckpt.<source>.<target>.g<total>.i<index>.
func (i Identity) Name() string {
	return fmt.Sprintf("%sg%d.i%d", i.Prefix(), i.GroupTotal, i.GroupIndex)
}

// Prefix is shared by every record of the same region pair, whatever the group shape.
func (i Identity) Prefix() string {
	return namePrefix + "." + i.pairPrefix()
}

func (i Identity) pairPrefix() string {
	return i.SourceRegion + "." + i.TargetRegion + "."
}

func ParseIdentity(name string) (Identity, error) {
	parts := strings.Split(name, ".")
	if len(parts) != 5 || parts[0] != namePrefix {
		return Identity{}, fmt.Errorf("checkpoint name %q: malformed", name)
	}
	if !strings.HasPrefix(parts[3], "g") || !strings.HasPrefix(parts[4], "i") {
		return Identity{}, fmt.Errorf("checkpoint name %q: malformed group", name)
	}
	total, err := strconv.Atoi(parts[3][1:])
	if err != nil {
		return Identity{}, fmt.Errorf("checkpoint name %q: group total: %w", name, err)
	}
	index, err := strconv.Atoi(parts[4][1:])
	if err != nil {
		return Identity{}, fmt.Errorf("checkpoint name %q: group index: %w", name, err)
	}
	id := Identity{SourceRegion: parts[1], TargetRegion: parts[2], GroupTotal: total, GroupIndex: index}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}
