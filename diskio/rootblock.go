package diskio

import (
	"encoding/binary"
	"fmt"

	"github.com/shades-db/shades/pagestore"
	"github.com/shades-db/shades/word"
)

// MaxGenSize bounds how many (page, disk page) pairs a single generation's
// pinfo can enumerate inline in the root block. Marshal returns an error
// for a pinfo entry or youngest generation with more pages than this; the
// root block only ever needs to describe the youngest one directly.
const MaxGenSize = 64

// MaxPinfoHistory bounds how many Pinfo entries each of the root block's
// three history slots (current/prev/prev-prev) may carry. The history is
// flattened inline into the root page's payload rather than indirected
// through a heap cell: nothing else needs generation pinfo history to be
// reachable from ordinary heap pointers.
const MaxPinfoHistory = 16

// MaxOIDFreelist bounds how many freed OID indices the root block carries
// inline, flattened the same way the pinfo history is.
const MaxOIDFreelist = 256

// Pinfo mirrors gen.Pinfo's on-disk shape. Pages records the exact in-RAM
// page IDs the generation must be reallocated onto during recovery —
// pointers stored inside already-read pages encode addresses relative to
// those IDs, not to wherever a fresh run happens to place them, so
// recovery cannot choose new ones.
type Pinfo struct {
	GenerationNumber   int32
	NumFromGenerations int32
	NumReferringPtrs   int32
	Pages              []pagestore.PageID
	DiskPages          []pagestore.DiskPageNumber
}

// RootBlock is the fixed-schema root page payload. It is the only page
// type with a magic cookie distinct from an ordinary data page
// (pagestore.RootPageMagic), and the only page the root locator ever
// settles on.
type RootBlock struct {
	TimestampHigh uint32
	TimestampLow  uint32

	// Scratch value slots for end-to-end round-trip checks, plus the
	// major-GC-in-progress flag carried across a crash.
	Test1, Test2, Test3, Test4    int32
	MajorGCWasStartedAtLastCommit bool

	// OID allocator state, mirroring oid.Map's Snapshot/Restore exactly.
	OIDMax              uint32
	OIDInUse            uint32
	OIDAllocationCursor uint32
	OIDPrevRandom       uint32
	OIDFreelist         []uint32

	// Two-deep generation pinfo history: Current is the generation list as
	// of this commit, Prev the one before, PrevPrev the one before that —
	// once a generation falls out of all three, its disk pages are free to
	// reuse.
	Current  []Pinfo
	Prev     []Pinfo
	PrevPrev []Pinfo

	YoungestGenerationNumber                int32
	YoungestGenerationNumberOfPages         int32
	YoungestGenerationNumberOfReferringPtrs int32
	YoungestGenerationPageNumbers           []pagestore.PageID
	YoungestGenerationDiskPageNumbers       []pagestore.DiskPageNumber
}

// pinfoWords is generation number + from-generation count + referring-ptr
// count + page count + len(Pages) + disk page count + len(DiskPages).
func pinfoWords(p Pinfo) int { return 5 + len(p.Pages) + len(p.DiskPages) }

func pinfoListWords(list []Pinfo) int {
	n := 1 // count
	for _, p := range list {
		n += pinfoWords(p)
	}
	return n
}

// EncodedWords returns how many words rb occupies, for a capacity check
// before Marshal.
func (rb *RootBlock) EncodedWords() int {
	n := 2 // timestamp hi/lo
	n += 4 // test1-4
	n += 1 // MajorGCWasStartedAtLastCommit
	n += 4 // OIDMax, OIDInUse, OIDAllocationCursor, OIDPrevRandom
	n += 1 + len(rb.OIDFreelist)
	n += pinfoListWords(rb.Current)
	n += pinfoListWords(rb.Prev)
	n += pinfoListWords(rb.PrevPrev)
	n += 3 // youngest generation number / page count / referring ptr count
	n += 1 + len(rb.YoungestGenerationPageNumbers)
	n += 1 + len(rb.YoungestGenerationDiskPageNumbers)
	return n
}

// Marshal packs rb into p's payload, leaving word 0 as
// pagestore.RootPageMagic and word 1 as the in-use count, matching an
// ordinary page's leading layout. Payload fields are stored as raw 32-bit
// words, not tagged values: the root payload is never walked as cells, and
// several fields (the timestamp halves, composite disk page numbers) need
// all 32 bits.
func (rb *RootBlock) Marshal(p *pagestore.Page) error {
	if got, max := rb.EncodedWords()+pagestore.FirstCellOffset, pagestore.WordsPerPage; got > max {
		return fmt.Errorf("diskio: root block needs %d words, page holds %d", got, max)
	}
	p.Reset(p.ID())
	p.Set(0, pagestore.RootPageMagic)

	off := pagestore.FirstCellOffset
	put := func(v uint32) {
		p.Set(off, word.Word(v))
		off++
	}
	put(rb.TimestampHigh)
	put(rb.TimestampLow)
	put(uint32(rb.Test1))
	put(uint32(rb.Test2))
	put(uint32(rb.Test3))
	put(uint32(rb.Test4))
	if rb.MajorGCWasStartedAtLastCommit {
		put(1)
	} else {
		put(0)
	}

	put(rb.OIDMax)
	put(rb.OIDInUse)
	put(rb.OIDAllocationCursor)
	put(rb.OIDPrevRandom)
	if len(rb.OIDFreelist) > MaxOIDFreelist {
		return fmt.Errorf("diskio: oid freelist has %d entries, max %d", len(rb.OIDFreelist), MaxOIDFreelist)
	}
	put(uint32(len(rb.OIDFreelist)))
	for _, idx := range rb.OIDFreelist {
		put(idx)
	}

	putPinfoList := func(list []Pinfo) error {
		if len(list) > MaxPinfoHistory {
			return fmt.Errorf("diskio: pinfo history has %d entries, max %d", len(list), MaxPinfoHistory)
		}
		put(uint32(len(list)))
		for _, pi := range list {
			if len(pi.Pages) > MaxGenSize || len(pi.DiskPages) > MaxGenSize {
				return fmt.Errorf("diskio: pinfo for generation %d has %d pages, max %d", pi.GenerationNumber, len(pi.Pages), MaxGenSize)
			}
			put(uint32(pi.GenerationNumber))
			put(uint32(pi.NumFromGenerations))
			put(uint32(pi.NumReferringPtrs))
			put(uint32(len(pi.Pages)))
			for _, pid := range pi.Pages {
				put(uint32(pid))
			}
			put(uint32(len(pi.DiskPages)))
			for _, dpn := range pi.DiskPages {
				put(uint32(dpn))
			}
		}
		return nil
	}
	if err := putPinfoList(rb.Current); err != nil {
		return err
	}
	if err := putPinfoList(rb.Prev); err != nil {
		return err
	}
	if err := putPinfoList(rb.PrevPrev); err != nil {
		return err
	}

	put(uint32(rb.YoungestGenerationNumber))
	put(uint32(rb.YoungestGenerationNumberOfPages))
	put(uint32(rb.YoungestGenerationNumberOfReferringPtrs))

	if len(rb.YoungestGenerationPageNumbers) > MaxGenSize {
		return fmt.Errorf("diskio: youngest generation has %d pages, max %d", len(rb.YoungestGenerationPageNumbers), MaxGenSize)
	}
	put(uint32(len(rb.YoungestGenerationPageNumbers)))
	for _, pid := range rb.YoungestGenerationPageNumbers {
		put(uint32(pid))
	}
	if len(rb.YoungestGenerationDiskPageNumbers) > MaxGenSize {
		return fmt.Errorf("diskio: youngest generation has %d disk pages, max %d", len(rb.YoungestGenerationDiskPageNumbers), MaxGenSize)
	}
	put(uint32(len(rb.YoungestGenerationDiskPageNumbers)))
	for _, dpn := range rb.YoungestGenerationDiskPageNumbers {
		put(uint32(dpn))
	}

	p.SetWordsInUse(off)
	return nil
}

// Unmarshal parses a root page's payload back into a RootBlock. The caller
// must have already called p.Validate() and confirmed p.Magic() ==
// pagestore.RootPageMagic.
func Unmarshal(p *pagestore.Page) (*RootBlock, error) {
	rb := &RootBlock{}
	off := pagestore.FirstCellOffset
	get := func() uint32 {
		v := uint32(p.At(off))
		off++
		return v
	}
	rb.TimestampHigh = get()
	rb.TimestampLow = get()
	rb.Test1 = int32(get())
	rb.Test2 = int32(get())
	rb.Test3 = int32(get())
	rb.Test4 = int32(get())
	rb.MajorGCWasStartedAtLastCommit = get() != 0

	rb.OIDMax = get()
	rb.OIDInUse = get()
	rb.OIDAllocationCursor = get()
	rb.OIDPrevRandom = get()
	nfree := get()
	if nfree > MaxOIDFreelist {
		return nil, fmt.Errorf("diskio: corrupt oid freelist length %d", nfree)
	}
	rb.OIDFreelist = make([]uint32, nfree)
	for i := range rb.OIDFreelist {
		rb.OIDFreelist[i] = get()
	}

	getPinfoList := func() ([]Pinfo, error) {
		n := get()
		if n > MaxPinfoHistory {
			return nil, fmt.Errorf("diskio: corrupt pinfo history length %d", n)
		}
		list := make([]Pinfo, 0, n)
		for i := uint32(0); i < n; i++ {
			gn := int32(get())
			numFrom := int32(get())
			numRef := int32(get())
			np := get()
			if np > MaxGenSize {
				return nil, fmt.Errorf("diskio: corrupt pinfo page count %d", np)
			}
			pages := make([]pagestore.PageID, np)
			for j := range pages {
				pages[j] = pagestore.PageID(get())
			}
			dn := get()
			if dn > MaxGenSize {
				return nil, fmt.Errorf("diskio: corrupt pinfo disk page count %d", dn)
			}
			diskPages := make([]pagestore.DiskPageNumber, dn)
			for j := range diskPages {
				diskPages[j] = pagestore.DiskPageNumber(get())
			}
			list = append(list, Pinfo{
				GenerationNumber:   gn,
				NumFromGenerations: numFrom,
				NumReferringPtrs:   numRef,
				Pages:              pages,
				DiskPages:          diskPages,
			})
		}
		return list, nil
	}

	var err error
	if rb.Current, err = getPinfoList(); err != nil {
		return nil, err
	}
	if rb.Prev, err = getPinfoList(); err != nil {
		return nil, err
	}
	if rb.PrevPrev, err = getPinfoList(); err != nil {
		return nil, err
	}

	rb.YoungestGenerationNumber = int32(get())
	rb.YoungestGenerationNumberOfPages = int32(get())
	rb.YoungestGenerationNumberOfReferringPtrs = int32(get())

	npages := get()
	if npages > MaxGenSize {
		return nil, fmt.Errorf("diskio: corrupt youngest-generation page count %d", npages)
	}
	rb.YoungestGenerationPageNumbers = make([]pagestore.PageID, npages)
	for i := range rb.YoungestGenerationPageNumbers {
		rb.YoungestGenerationPageNumbers[i] = pagestore.PageID(get())
	}

	ndisk := get()
	if ndisk > MaxGenSize {
		return nil, fmt.Errorf("diskio: corrupt youngest-generation disk page count %d", ndisk)
	}
	rb.YoungestGenerationDiskPageNumbers = make([]pagestore.DiskPageNumber, ndisk)
	for i := range rb.YoungestGenerationDiskPageNumbers {
		rb.YoungestGenerationDiskPageNumbers[i] = pagestore.DiskPageNumber(get())
	}

	return rb, nil
}

// Timestamp packs TimestampHigh/Low into a single comparable uint64, used
// by the root locator to pick the more recent of two root candidates.
func (rb *RootBlock) Timestamp() uint64 {
	return uint64(rb.TimestampHigh)<<32 | uint64(rb.TimestampLow)
}

// SetTimestamp splits a uint64 back into the two 32-bit halves stored on
// disk; the on-disk schema keeps them as separate words because the word
// size is 32 bits.
func (rb *RootBlock) SetTimestamp(ts uint64) {
	rb.TimestampHigh = uint32(ts >> 32)
	rb.TimestampLow = uint32(ts)
}

// encodePageBytes serializes a page's words to little-endian bytes for the
// write path; byte order is detected and corrected on read via the magic
// cookie, not fixed by this encoding.
func encodePageBytes(words []word.Word) []byte {
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(w))
	}
	return buf
}

// decodePageWords is encodePageBytes's inverse.
func decodePageWords(buf []byte, words []word.Word) {
	for i := range words {
		words[i] = word.Word(binary.LittleEndian.Uint32(buf[i*4:]))
	}
}
