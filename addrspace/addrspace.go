// Package addrspace implements the address-space decoder: a table of
// non-overlapping (ranges mirrored by the same owner excepted) address
// mappings, and the dispatch of data_write/data_read/code_read to whichever
// mapping contains the given address.
//
// The shape follows the teacher's cartridge bank decoder
// (hardware/memory/cartridge.go: Origin/Memtop bounds, Read/Write/Peek/Poke)
// generalized from one cartridge's internal banks to an arbitrary table of
// device mappings.
package addrspace

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/oakfield-labs/pcbus/devbus"
)

// mapping is the stored (id, range, handlers, owner) tuple.
type mapping struct {
	id    uint32
	rng   devbus.AddressRange
	owner string
	write devbus.WriteFunc
	read  devbus.ReadFunc
	code  devbus.ReadFunc // optional; nil if the owner has no code_read path
}

// openBusValue is returned for reads of unmapped addresses, and writes to
// unmapped addresses are silently dropped - this is open-bus behaviour and
// must be preserved exactly, per spec.md.
const openBusValue = 0xFFFF

// Decoder is a device's address-space decoder. It satisfies devbus.Device
// (role = address_space) itself: resetting it is a no-op (mappings are
// topology, not state), and its Save/Restore serialize the mapping table.
type Decoder struct {
	mu       sync.Mutex
	name     string
	nextID   uint32
	mappings []mapping
	logSink  devbus.LogSink
	logLevel uint8

	// bulk, when non-nil, is a flat memory image (RAM/ROM) the decoder also
	// owns; it is included verbatim in Save/Restore alongside the mapping
	// table, per spec.md 4.1's note about decoders that also hold bulk
	// memory.
	bulk []byte
}

// NewDecoder creates an empty decoder with no mappings.
func NewDecoder(name string) *Decoder {
	return &Decoder{name: name}
}

// AttachBulkMemory associates a flat memory image with the decoder so that
// it is captured by Save/Restore. It does not itself map the image into any
// address range; callers still call MapDevice for that.
func (d *Decoder) AttachBulkMemory(mem []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bulk = mem
}

// Name implements devbus.Device.
func (d *Decoder) Name() string { return d.name }

// SetLogSink implements devbus.Device.
func (d *Decoder) SetLogSink(sink devbus.LogSink) { d.logSink = sink }

// SetLogLevel implements devbus.Device.
func (d *Decoder) SetLogLevel(level uint8) { d.logLevel = level }

// Reset implements devbus.Device. Mappings are topology, not state, so
// Reset does not clear them; it forwards reset to nobody, since individual
// devices are reset independently by the registry.
func (d *Decoder) Reset() {}

// Tick implements devbus.Device. The decoder itself has no per-tick
// behaviour; dispatch happens synchronously as devices call DataWrite/
// DataRead during their own Tick.
func (d *Decoder) Tick(uint32) error { return nil }

// MapDevice installs a new mapping. It fails with BadRange if lo > hi, and
// with RangeOverlap if the range intersects an existing mapping owned by a
// different device. Two mappings from the same owner are allowed to
// overlap - this is the intended wildcard-mirroring case from spec.md's
// open questions (e.g. intc.id0/intc.id1 both mapping a shared interrupt
// acknowledge range).
func (d *Decoder) MapDevice(lo, hi uint32, owner string, write devbus.WriteFunc, read devbus.ReadFunc) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if lo > hi {
		return 0, devbus.New(devbus.BadRange, owner, fmt.Errorf("lo 0x%x > hi 0x%x", lo, hi))
	}
	rng := devbus.AddressRange{Lo: lo, Hi: hi}

	for _, m := range d.mappings {
		if m.rng.Overlaps(rng) && m.owner != owner {
			if d.logSink != nil {
				d.logSink(d.name, fmt.Sprintf("rejected overlapping map [0x%x,0x%x] from %s (conflicts with %s)", lo, hi, owner, m.owner))
			}
			return 0, devbus.New(devbus.RangeOverlap, owner, fmt.Errorf("range [0x%x,0x%x] overlaps existing mapping owned by %s", lo, hi, m.owner))
		}
	}

	d.nextID++
	d.mappings = append(d.mappings, mapping{id: d.nextID, rng: rng, owner: owner, write: write, read: read})
	return d.nextID, nil
}

// SetCodeRead attaches an instruction-fetch handler to the most recently
// mapped range owned by owner. Devices that never fetch instructions from
// their range (most peripherals) never need to call this.
func (d *Decoder) SetCodeRead(owner string, code devbus.ReadFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.mappings) - 1; i >= 0; i-- {
		if d.mappings[i].owner == owner {
			d.mappings[i].code = code
			return
		}
	}
}

// find returns the (first-registered) mapping containing addr, or nil on a
// miss. Linear scan is sufficient for the O(10) mappings a real topology
// has; spec.md explicitly permits switching to a sorted binary search if
// that ever stops being true.
func (d *Decoder) find(addr uint32) *mapping {
	for i := range d.mappings {
		if d.mappings[i].rng.Contains(addr) {
			return &d.mappings[i]
		}
	}
	return nil
}

// DataWrite routes to the mapping containing addr, truncating value to
// width bytes first. A miss is a silent no-op: this is open-bus behaviour
// and must be preserved.
func (d *Decoder) DataWrite(addr uint32, value uint32, width int) {
	d.mu.Lock()
	m := d.find(addr)
	d.mu.Unlock()
	if m == nil {
		return
	}
	switch width {
	case 1:
		value &= 0xFF
	case 2:
		value &= 0xFFFF
	}
	m.write(addr, value, width)
}

// DataRead routes to the mapping containing addr, returning 0xFFFF
// (open-bus) on a miss.
func (d *Decoder) DataRead(addr uint32, width int) uint32 {
	d.mu.Lock()
	m := d.find(addr)
	d.mu.Unlock()
	if m == nil {
		return openBusValue
	}
	return m.read(addr, width)
}

// CodeRead routes through the instruction-fetch path. Mappings without a
// registered code-read handler fall back to DataRead's semantics so that
// devices which never distinguish fetch-from-data keep working unmodified.
func (d *Decoder) CodeRead(addr uint32, width int) uint32 {
	d.mu.Lock()
	m := d.find(addr)
	d.mu.Unlock()
	if m == nil {
		return openBusValue
	}
	if m.code != nil {
		return m.code(addr, width)
	}
	return m.read(addr, width)
}

// Dump returns a copy of the decoder's bulk memory region in [lo, hi), for
// diagnostics. Save does not use it; it writes the whole bulk image itself.
func (d *Decoder) Dump(lo, hi int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bulk == nil || lo < 0 || hi > len(d.bulk) || lo > hi {
		return nil
	}
	out := make([]byte, hi-lo)
	copy(out, d.bulk[lo:hi])
	return out
}

// serialized mapping-table record layout: id(4) lo(4) hi(4) ownerLen(2) owner.
func (d *Decoder) Save() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// sort by id for a deterministic encoding regardless of registration
	// races (there are none in this single-threaded design, but it keeps
	// Save output byte-identical across runs, which the restart-determinism
	// property requires).
	ordered := append([]mapping(nil), d.mappings...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].id < ordered[j].id })

	buf := make([]byte, 0, 64)
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], d.nextID)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(ordered)))
	buf = append(buf, hdr...)

	for _, m := range ordered {
		rec := make([]byte, 14+len(m.owner))
		binary.BigEndian.PutUint32(rec[0:4], m.id)
		binary.BigEndian.PutUint32(rec[4:8], m.rng.Lo)
		binary.BigEndian.PutUint32(rec[8:12], m.rng.Hi)
		binary.BigEndian.PutUint16(rec[12:14], uint16(len(m.owner)))
		copy(rec[14:], m.owner)
		buf = append(buf, rec...)
	}

	bulkLen := make([]byte, 4)
	binary.BigEndian.PutUint32(bulkLen, uint32(len(d.bulk)))
	buf = append(buf, bulkLen...)
	buf = append(buf, d.bulk...)

	return buf, nil
}

// Restore rebuilds the mapping table's range/owner bookkeeping from a blob
// produced by Save. Write/read handlers are not part of the serialized
// form - they are functions, not data - so Restore only restores the ids,
// ranges and owners used for overlap bookkeeping and diagnostics; the
// handlers themselves keep whatever was installed by the most recent
// MapDevice calls made during topology wiring. This mirrors spec.md's
// framing of mapping identity (id, lo, hi) as the persistent part of a
// mapping.
func (d *Decoder) Restore(blob []byte) error {
	if len(blob) < 8 {
		return devbus.New(devbus.SnapshotIOError, d.name, fmt.Errorf("truncated decoder snapshot"))
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	nextID := binary.BigEndian.Uint32(blob[0:4])
	count := binary.BigEndian.Uint32(blob[4:8])
	off := 8

	byID := make(map[uint32]*mapping, len(d.mappings))
	for i := range d.mappings {
		byID[d.mappings[i].id] = &d.mappings[i]
	}

	for i := uint32(0); i < count; i++ {
		if off+14 > len(blob) {
			return devbus.New(devbus.SnapshotIOError, d.name, fmt.Errorf("truncated mapping record"))
		}
		id := binary.BigEndian.Uint32(blob[off : off+4])
		lo := binary.BigEndian.Uint32(blob[off+4 : off+8])
		hi := binary.BigEndian.Uint32(blob[off+8 : off+12])
		ownerLen := int(binary.BigEndian.Uint16(blob[off+12 : off+14]))
		off += 14
		if off+ownerLen > len(blob) {
			return devbus.New(devbus.SnapshotIOError, d.name, fmt.Errorf("truncated mapping owner"))
		}
		owner := string(blob[off : off+ownerLen])
		off += ownerLen

		if m, ok := byID[id]; ok {
			m.rng = devbus.AddressRange{Lo: lo, Hi: hi}
			m.owner = owner
		}
	}
	d.nextID = nextID

	if off+4 <= len(blob) {
		bulkLen := int(binary.BigEndian.Uint32(blob[off : off+4]))
		off += 4
		if bulkLen > 0 && off+bulkLen <= len(blob) && d.bulk != nil {
			copy(d.bulk, blob[off:off+bulkLen])
		}
	}

	return nil
}

var _ devbus.AddressSpace = (*Decoder)(nil)
var _ devbus.CodeReader = (*Decoder)(nil)
