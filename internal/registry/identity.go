package registry

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

const lowMask = 0xffffffff

// DeviceHash derives the 31-bit non-zero value placed in the high half of
// every id this registry generates.
func DeviceHash(deviceID string) uint32 {
	sum := blake3.Sum256([]byte(deviceID))
	h := binary.LittleEndian.Uint32(sum[:4]) & 0x7fffffff
	if h == 0 {
		h = 1
	}
	return h
}

// generateIDLocked returns an unused id. Caller holds recordsMu.
func (r *Registry) generateIDLocked() int64 {
	for {
		low := int64(r.rnd())
		if low == 0 {
			continue
		}
		id := r.deviceHigh | low
		_, taken := r.records[id]
		_, reserved := r.reserved[id]
		if !taken && !reserved {
			return id
		}
	}
}

// IdentityFold maps a possibly truncated id back to a full registry id.
// Ids with non-zero high bits are returned unchanged, as are short ids that
// match nothing.
func (r *Registry) IdentityFold(id int64) int64 {
	r.recordsMu.Lock()
	defer r.recordsMu.Unlock()
	return r.foldLocked(id)
}

func (r *Registry) foldLocked(id int64) int64 {
	if uint64(id)>>32 != 0 {
		return id
	}
	found := int64(0)
	for recID := range r.records {
		if recID&lowMask != id {
			continue
		}
		// Lowest match wins so repeated folds agree.
		if found == 0 || recID < found {
			found = recID
		}
	}
	if found == 0 {
		return id
	}
	return found
}
