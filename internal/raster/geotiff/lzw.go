package geotiff

// TIFF LZW: MSB-first codes, 9 to 12 bits, with the early code width change.
const (
	lzwClear   = 256
	lzwEOI     = 257
	lzwFirst   = 258
	lzwMinBits = 9
	lzwMaxCode = 4095
)

type lzwEncoder struct {
	out   []byte
	acc   uint32
	nacc  uint
	width uint
	next  int
	table map[uint32]uint16
}

func (e *lzwEncoder) put(code uint16) {
	e.acc |= uint32(code) << (32 - e.width - e.nacc)
	e.nacc += e.width
	for e.nacc >= 8 {
		e.out = append(e.out, byte(e.acc>>24))
		e.acc <<= 8
		e.nacc -= 8
	}
}

// step accounts for one emitted code and adjusts the code width the same
// way the decoder will after reading it.
func (e *lzwEncoder) step() {
	e.next++
	if e.next == lzwMaxCode-1 {
		e.put(lzwClear)
		clear(e.table)
		e.next = lzwFirst
		e.width = lzwMinBits
		return
	}
	if e.next > 1<<e.width-1 {
		e.width++
	}
}

func encodeLZW(src []byte) []byte {
	e := &lzwEncoder{width: lzwMinBits, next: lzwFirst, table: make(map[uint32]uint16)}
	e.put(lzwClear)
	if len(src) > 0 {
		prefix := uint16(src[0])
		for _, c := range src[1:] {
			key := uint32(prefix)<<8 | uint32(c)
			if code, ok := e.table[key]; ok {
				prefix = code
				continue
			}
			e.put(prefix)
			e.table[key] = uint16(e.next)
			e.step()
			prefix = uint16(c)
		}
		e.put(prefix)
		e.step()
	}
	e.put(lzwEOI)
	if e.nacc > 0 {
		e.out = append(e.out, byte(e.acc>>24))
	}
	return e.out
}
