package region

import (
	"errors"
	"fmt"
	"sync/atomic"

	"regionsync/internal/domain"
)

var ErrInvalid = errors.New("region id has no valid translation")

// Snapshot is an immutable view of region naming used for translation.
type Snapshot struct {
	// Local is the name of the region this agent writes into.
	Local string
	// Views maps a source region name to that region's own id -> name table.
	Views map[string]map[domain.RegionID]string
	// IDs maps region names to ids in the local region's numbering.
	IDs map[string]domain.RegionID
}

type Translator struct {
	snap atomic.Pointer[Snapshot]
}

func NewTranslator(s Snapshot) *Translator {
	t := &Translator{}
	t.Update(s)
	return t
}

func (t *Translator) Update(s Snapshot) {
	t.snap.Store(&s)
}

func (t *Translator) Snapshot() Snapshot {
	return *t.snap.Load()
}

// Translate maps a region id stored by sourceRegion into the local numbering.
func (t *Translator) Translate(sourceRegion string, id domain.RegionID) (domain.RegionID, error) {
	s := t.snap.Load()
	var name string
	switch {
	case id == domain.RegionIDLocal:
		name = sourceRegion
	case id.Valid():
		view, ok := s.Views[sourceRegion]
		if !ok {
			return domain.RegionIDUnknown, fmt.Errorf("%w: unknown source region %q", ErrInvalid, sourceRegion)
		}
		n, ok := view[id]
		if !ok {
			return domain.RegionIDUnknown, fmt.Errorf("%w: %s has no region %d", ErrInvalid, sourceRegion, id)
		}
		name = n
	default:
		return domain.RegionIDUnknown, fmt.Errorf("%w: sentinel id %d", ErrInvalid, id)
	}
	if name == s.Local {
		return domain.RegionIDLocal, nil
	}
	out, ok := s.IDs[name]
	if !ok || !out.Valid() {
		return domain.RegionIDUnknown, fmt.Errorf("%w: region %q unknown locally", ErrInvalid, name)
	}
	return out, nil
}
