package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const erased byte = 0xFF

// Layout describes the address space of the simulated part.
type Layout struct {
	RAMBase   uint32
	RAMSize   uint32
	FlashBase uint32
	// Sectors lists flash sector sizes in address order.
	Sectors []uint32
	// EraseLatency delays each sector erase; a cancelled context during the
	// delay leaves the sector untouched.
	EraseLatency time.Duration
}

// DefaultLayout mirrors an STM32F205: 128 KiB SRAM and 1 MiB flash in twelve
// sectors of mixed size.
func DefaultLayout() Layout {
	const k = 1024
	return Layout{
		RAMBase:   0x2000_0000,
		RAMSize:   128 * k,
		FlashBase: 0x0800_0000,
		Sectors: []uint32{
			16 * k, 16 * k, 16 * k, 16 * k,
			64 * k,
			128 * k, 128 * k, 128 * k, 128 * k, 128 * k, 128 * k, 128 * k,
		},
	}
}

// Sector is one erasable flash unit.
type Sector struct {
	Index   uint32
	Address uint32
	Size    uint32
}

// Memory is a RAM region plus a sectored flash region. Every write and erase
// validates its whole range first and then applies under one lock, so a
// failed or cancelled operation changes nothing.
type Memory struct {
	mu      sync.RWMutex
	layout  Layout
	ram     []byte
	flash   []byte
	sectors []Sector
}

func NewMemory(layout Layout) (*Memory, error) {
	if layout.RAMSize == 0 || len(layout.Sectors) == 0 {
		return nil, fmt.Errorf("%w: ram and flash must be non-empty", ErrInvalidLayout)
	}
	sectors := make([]Sector, 0, len(layout.Sectors))
	var flashSize uint64
	for i, size := range layout.Sectors {
		if size == 0 {
			return nil, fmt.Errorf("%w: sector %d has zero size", ErrInvalidLayout, i)
		}
		sectors = append(sectors, Sector{
			Index:   uint32(i),
			Address: layout.FlashBase + uint32(flashSize),
			Size:    size,
		})
		flashSize += uint64(size)
	}
	if uint64(layout.FlashBase)+flashSize > 1<<32 || uint64(layout.RAMBase)+uint64(layout.RAMSize) > 1<<32 {
		return nil, fmt.Errorf("%w: region exceeds address space", ErrInvalidLayout)
	}
	if overlaps(layout.RAMBase, uint64(layout.RAMSize), layout.FlashBase, flashSize) {
		return nil, fmt.Errorf("%w: ram and flash overlap", ErrInvalidLayout)
	}

	m := &Memory{
		layout:  layout,
		ram:     make([]byte, layout.RAMSize),
		flash:   make([]byte, flashSize),
		sectors: sectors,
	}
	for i := range m.flash {
		m.flash[i] = erased
	}
	return m, nil
}

func (m *Memory) Layout() Layout {
	return m.layout
}

func (m *Memory) Sectors() []Sector {
	out := make([]Sector, len(m.sectors))
	copy(out, m.sectors)
	return out
}

// ReadMemory returns a copy of [address, address+length). The range must sit
// wholly inside RAM or flash.
func (m *Memory) ReadMemory(ctx context.Context, address, length uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	region, off, err := m.resolve(address, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, region[off:off+int(length)])
	return out, nil
}

// WriteMemory stores data at address. A RAM write replaces bytes. A flash
// write programs bytes and, like real flash, can only clear bits, so each
// target byte must still hold every bit data sets.
func (m *Memory) WriteMemory(ctx context.Context, address uint32, data []byte, flash bool) error {
	if len(data) == 0 {
		return ctx.Err()
	}
	if uint64(len(data)) > 1<<32-1 {
		return fmt.Errorf("%w: write of %d bytes", ErrOutOfRange, len(data))
	}
	length := uint32(len(data))

	m.mu.Lock()
	defer m.mu.Unlock()
	region, off, err := m.resolve(address, length)
	if err != nil {
		return err
	}
	inFlash := m.inFlash(address)
	switch {
	case flash && !inFlash:
		return fmt.Errorf("%w: 0x%08x", ErrNotFlash, address)
	case !flash && inFlash:
		return fmt.Errorf("%w: 0x%08x", ErrFlashReadOnly, address)
	}
	target := region[off : off+len(data)]
	if flash {
		for i, b := range data {
			if b&^target[i] != 0 {
				return fmt.Errorf("%w: 0x%08x", ErrNotErased, address+uint32(i))
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if flash {
		for i, b := range data {
			target[i] &= b
		}
	} else {
		copy(target, data)
	}
	log.Debug().
		Uint32("address", address).
		Int("length", len(data)).
		Bool("flash", flash).
		Msg("device.Memory.WriteMemory")
	return nil
}

// EraseSector sets exactly one sector back to 0xFF.
func (m *Memory) EraseSector(ctx context.Context, sector uint32) error {
	if sector >= uint32(len(m.sectors)) {
		return fmt.Errorf("%w: %d of %d", ErrInvalidSector, sector, len(m.sectors))
	}
	if m.layout.EraseLatency > 0 {
		t := time.NewTimer(m.layout.EraseLatency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.sectors[sector]
	start := s.Address - m.layout.FlashBase
	region := m.flash[start : start+s.Size]
	for i := range region {
		region[i] = erased
	}
	log.Debug().Uint32("sector", sector).Uint32("address", s.Address).Msg("device.Memory.EraseSector")
	return nil
}

func (m *Memory) inFlash(address uint32) bool {
	return address >= m.layout.FlashBase && uint64(address) < uint64(m.layout.FlashBase)+uint64(len(m.flash))
}

func (m *Memory) resolve(address, length uint32) ([]byte, int, error) {
	end := uint64(address) + uint64(length)
	if address >= m.layout.RAMBase && end <= uint64(m.layout.RAMBase)+uint64(len(m.ram)) {
		return m.ram, int(address - m.layout.RAMBase), nil
	}
	if address >= m.layout.FlashBase && end <= uint64(m.layout.FlashBase)+uint64(len(m.flash)) {
		return m.flash, int(address - m.layout.FlashBase), nil
	}
	return nil, 0, fmt.Errorf("%w: 0x%08x+%d", ErrOutOfRange, address, length)
}

func overlaps(aStart uint32, aLen uint64, bStart uint32, bLen uint64) bool {
	aEnd := uint64(aStart) + aLen
	bEnd := uint64(bStart) + bLen
	return uint64(aStart) < bEnd && uint64(bStart) < aEnd
}
