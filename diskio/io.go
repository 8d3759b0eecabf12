package diskio

import (
	"fmt"

	"github.com/shades-db/shades/asyncio"
	"github.com/shades-db/shades/gen"
	"github.com/shades-db/shades/pagestore"
	"github.com/shades-db/shades/word"
)

// DiskBlockSize is the physical sector size writes are padded up to.
const DiskBlockSize = 512

// Strategy picks which disk page a newly-dirtied in-RAM page is written to.
type Strategy interface {
	Choose(t *PageTable, load func(file int) int64, reduceLoad func(file int)) (pagestore.DiskPageNumber, error)
}

// RoundRobin cycles through files and pages in order, skipping anything not
// FREE or UNKNOWN.
type RoundRobin struct{}

func (RoundRobin) Choose(t *PageTable, _ func(file int) int64, _ func(file int)) (pagestore.DiskPageNumber, error) {
	return t.nextRoundRobinCandidate()
}

// LoadBalancing prefers the least-loaded file among those with at least
// two free pages, falling back to round-robin if every file is too full to
// compare.
type LoadBalancing struct{}

func (LoadBalancing) Choose(t *PageTable, load func(file int) int64, reduceLoad func(file int)) (pagestore.DiskPageNumber, error) {
	best, losers, ok := t.bestLoadBalancedFile(load)
	if !ok {
		return t.nextRoundRobinCandidate()
	}
	for _, f := range losers {
		reduceLoad(f)
	}
	for p := 0; p < t.PagesInFile(best); p++ {
		dpn := pagestore.EncodeDiskPageNumber(uint8(best), uint32(p))
		if t.Status(dpn) == pagestore.DiskPageFree || t.Status(dpn) == pagestore.DiskPageUnknown {
			return dpn, nil
		}
	}
	return t.nextRoundRobinCandidate()
}

// IO ties the disk page table, the allocation strategy, and the async I/O
// substrate together into the operations the collector and the engine
// actually call: write a data page out, write the root block, read a page
// back.
type IO struct {
	mgr      *asyncio.Manager
	table    *PageTable
	strategy Strategy

	// rootDPN tracks the most recent root page's location, so WriteRoot
	// can free it once the new one is durable.
	rootDPN pagestore.DiskPageNumber
	hasRoot bool

	// rootStrategy picks where a root write lands; nil behaves like
	// OptimizedRootStrategy.
	rootStrategy RootStrategy
}

// SetRootStrategy configures how WriteRoot/LocateRoot pick the root page's
// location. Leaving it unset behaves like OptimizedRootStrategy.
func (d *IO) SetRootStrategy(rs RootStrategy) { d.rootStrategy = rs }

func (d *IO) rootLocation() (pagestore.DiskPageNumber, error) {
	if d.rootStrategy != nil {
		return d.rootStrategy.WriteLocation(d)
	}
	return d.strategy.Choose(d.table, d.load, d.reduceLoad)
}

// New builds an IO layer over an already-open asyncio.Manager and disk page
// table, using strategy for new-page placement.
func New(mgr *asyncio.Manager, table *PageTable, strategy Strategy) *IO {
	return &IO{mgr: mgr, table: table, strategy: strategy, rootDPN: pagestore.InvalidDiskPageNumber}
}

func (d *IO) load(file int) int64 {
	dur, err := d.mgr.GetFileLoad(file)
	if err != nil {
		return 0
	}
	return int64(dur)
}

func (d *IO) reduceLoad(file int) {
	_ = d.mgr.ReduceFileLoad(file)
}

// WritePage chooses a disk page via the configured strategy, declares it
// ALLOCATED, and schedules a write of p's contents. It returns the chosen
// disk page number and a Future the caller may wait on or ignore until the
// next commit's drain.
func (d *IO) WritePage(p *pagestore.Page) (pagestore.DiskPageNumber, *asyncio.Future, error) {
	dpn, err := d.strategy.Choose(d.table, d.load, d.reduceLoad)
	if err != nil {
		return 0, nil, fmt.Errorf("diskio: write page: %w", err)
	}
	d.table.DeclareAllocated(dpn)
	buf := encodePageBytes(p.Slice())
	future, err := d.mgr.WritePage(int(dpn.File()), dpn.PageInFile(), buf)
	if err != nil {
		return dpn, nil, err
	}
	return dpn, future, nil
}

// GenPageWriter adapts WritePage to the gen.PageWriter callback shape, so
// every to-page the copying collector fills gets scheduled for a write as
// soon as it is full.
//
// locate records the chosen disk page number under g's generation number so
// a later WriteRoot can enumerate them into the youngest-generation pinfo
// slots; the caller supplies a locate callback that accumulates
// per-generation disk page lists.
func (d *IO) GenPageWriter(locate func(generationNumber gen.Number, pid pagestore.PageID, dpn pagestore.DiskPageNumber)) gen.PageWriter {
	return func(g *gen.Generation, p *pagestore.Page) {
		dpn, future, err := d.WritePage(p)
		if err != nil {
			// A write failure this deep in the copying collector cannot be
			// recovered from cell-by-cell; it surfaces via a panic the
			// commit driver recovers and converts back into an error at
			// its own boundary.
			panic(fmt.Errorf("diskio: write page for generation %d: %w", g.Number, err))
		}
		if future != nil {
			future.Wait()
		}
		locate(g.Number, p.ID(), dpn)
	}
}

// freeDiskPage returns dpn to the table, matching the gen.FreeDiskPageFunc
// signature the generation manager calls when a twice-collected
// generation's pages are reclaimed.
func (d *IO) freeDiskPage(dpn pagestore.DiskPageNumber) {
	d.table.FreeDiskPage(dpn)
}

// FreeDiskPageFunc exposes freeDiskPage as a gen.FreeDiskPageFunc, for
// wiring into gen.Manager at construction.
func (d *IO) FreeDiskPageFunc() func(pagestore.DiskPageNumber) {
	return d.freeDiskPage
}

// ReadPage synchronously reads dpn into p's backing words and validates its
// magic cookie. Reads are synchronous here because every caller (recovery,
// demand faulting) needs the data before it can make progress; read-ahead
// is available separately via ReadPageAsync.
func (d *IO) ReadPage(dpn pagestore.DiskPageNumber, p *pagestore.Page) error {
	future, err := d.ReadPageAsync(dpn, p)
	if err != nil {
		return err
	}
	if err := future.Wait(); err != nil {
		return fmt.Errorf("diskio: read page %v: %w", dpn, err)
	}
	return p.Validate()
}

// ReadPageAsync schedules dpn's read without waiting for it, for read-ahead
// callers. The caller must Wait() the future and then call p.Validate()
// themselves before touching p's contents.
func (d *IO) ReadPageAsync(dpn pagestore.DiskPageNumber, p *pagestore.Page) (*asyncio.Future, error) {
	buf := make([]byte, pagestore.WordsPerPage*4)
	future, err := d.mgr.ReadPage(int(dpn.File()), dpn.PageInFile(), buf)
	if err != nil {
		return nil, err
	}
	words := p.Slice()
	return wrapDecode(future, buf, words), nil
}

// wrapDecode returns a Future that resolves only once the underlying read
// future resolves AND the bytes have been unpacked into words, so callers
// never observe a "done" future with stale page contents.
func wrapDecode(inner *asyncio.Future, buf []byte, words []word.Word) *asyncio.Future {
	out := asyncio.NewDerivedFuture()
	go func() {
		err := inner.Wait()
		if err == nil {
			decodePageWords(buf, words)
		}
		out.Resolve(err)
	}()
	return out
}

// WriteRoot writes rb to a freshly allocated disk page, marks it ROOT, and
// frees the previous root page only once the new one is confirmed durable.
// It returns the new root's disk page number.
func (d *IO) WriteRoot(p *pagestore.Page, rb *RootBlock) (pagestore.DiskPageNumber, error) {
	if err := rb.Marshal(p); err != nil {
		return 0, fmt.Errorf("diskio: marshal root: %w", err)
	}
	// Every data page submitted so far must be durable before the root
	// that references it lands; the root is never the first thing on disk.
	if err := d.mgr.DrainPendingWrites(); err != nil {
		return 0, fmt.Errorf("diskio: drain before root write: %w", err)
	}
	dpn, err := d.rootLocation()
	if err != nil {
		return 0, fmt.Errorf("diskio: write root: %w", err)
	}
	buf := encodePageBytes(p.Slice())
	future, err := d.mgr.WritePage(int(dpn.File()), dpn.PageInFile(), buf)
	if err != nil {
		return 0, err
	}
	if err := future.Wait(); err != nil {
		return 0, fmt.Errorf("diskio: write root: %w", err)
	}
	// The queues are empty now; this second drain is the per-file sync
	// that makes the root itself durable before the old root is freed.
	if err := d.mgr.DrainPendingWrites(); err != nil {
		return 0, fmt.Errorf("diskio: sync root: %w", err)
	}
	d.table.DeclareRoot(dpn)

	if d.hasRoot && d.rootDPN != dpn {
		d.table.FreeDiskPage(d.rootDPN)
	}
	d.rootDPN = dpn
	d.hasRoot = true
	return dpn, nil
}

// ReadRoot reads and unmarshals the root block at dpn.
func (d *IO) ReadRoot(dpn pagestore.DiskPageNumber, p *pagestore.Page) (*RootBlock, error) {
	if err := d.ReadPage(dpn, p); err != nil {
		return nil, err
	}
	if p.Magic() != pagestore.RootPageMagic {
		return nil, fmt.Errorf("diskio: page %v is not a root page", dpn)
	}
	return Unmarshal(p)
}

// Table exposes the disk page table, for recovery's initial sweep and the
// root locator's probing.
func (d *IO) Table() *PageTable { return d.table }

// FormatFile writes the never-written cookie to every page of file, so
// that subsequent reads of any page within the file's configured size —
// written or not — land on a recognizable magic cookie instead of running
// off a sparse file's physical end-of-file. Called once per backing file
// when creating a brand-new database.
func (d *IO) FormatFile(file int) error {
	blank := make([]word.Word, pagestore.WordsPerPage)
	blank[0] = pagestore.UnusedPageMagic
	buf := encodePageBytes(blank)
	for i := 0; i < d.table.PagesInFile(file); i++ {
		future, err := d.mgr.WritePage(file, uint32(i), buf)
		if err != nil {
			return fmt.Errorf("diskio: format file %d page %d: %w", file, i, err)
		}
		if err := future.Wait(); err != nil {
			return fmt.Errorf("diskio: format file %d page %d: %w", file, i, err)
		}
		d.table.MarkUnknown(pagestore.EncodeDiskPageNumber(uint8(file), uint32(i)))
	}
	return d.mgr.DrainPendingWrites()
}

// LocateRoot finds the most recent root block's disk page on an existing
// database, per whichever RootStrategy is configured. Recovery calls this
// once at open, before replaying anything.
func (d *IO) LocateRoot() (pagestore.DiskPageNumber, error) {
	if d.rootStrategy != nil {
		return d.rootStrategy.Locate(d)
	}
	return OptimizedRootStrategy{}.Locate(d)
}
