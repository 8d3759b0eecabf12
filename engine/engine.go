package engine

import (
	"fmt"
	"log"
	"os"
	"os/user"
	"strconv"

	"github.com/shades-db/shades"
	"github.com/shades-db/shades/asyncio"
	"github.com/shades-db/shades/cells"
	"github.com/shades-db/shades/diskio"
	"github.com/shades-db/shades/gen"
	"github.com/shades-db/shades/nursery"
	"github.com/shades-db/shades/oid"
	"github.com/shades-db/shades/pagestore"
	"github.com/shades-db/shades/recovery"
	"github.com/shades-db/shades/remset"
	"github.com/shades-db/shades/word"
)

// Root is a caller-held external pointer slot — a registered "smart
// pointer": every commit's copying-collector pass seeds from it, and the
// collector keeps its value current across nursery promotion and major GC
// relocation.
type Root struct {
	value word.Word
}

// Get reads the root's current value.
func (r *Root) Get() word.Word { return r.value }

// Set overwrites the root's value directly (bypassing the collector), for
// a caller building a fresh reference graph before the next commit.
func (r *Root) Set(w word.Word) { r.value = w }

// Engine is the top-level database: it owns every lower layer (the
// backing files' async I/O, the disk page table, the in-RAM page arena,
// the nursery, the generation manager and its incremental major GC driver,
// the OID allocator) and exposes the operations a mutator drives: Allocate
// a cell, mutate it in place through the returned address, and Commit to
// make the result durable.
type Engine struct {
	cfg    Config
	logger *log.Logger

	mgr *asyncio.Manager
	io  *diskio.IO

	pm      *pagestore.PageManager
	cat     *cells.Catalog
	pool    *remset.Pool
	genMgr  *gen.Manager
	nursery *nursery.Nursery
	oidMap  *oid.Map
	majorGC *gen.MajorGC

	nurseryWords int

	roots []gen.Ref

	// Pinfo history as it stood at the end of the previous commit: the
	// root written THIS commit describes the youngest generation directly
	// through its dedicated fields, and carries forward the history
	// snapshot from last time. The history rotates current -> prev ->
	// prev-prev on every commit, so a generation survives in persisted
	// history for two commits past its removal from the age list.
	currentPinfo, prevPinfo, prevPrevPinfo []diskio.Pinfo

	// pendingFrees defers releasing a collected-twice generation's disk
	// pages for two further commits, so a root already durable on disk can
	// never still name a disk page this engine has handed back to the
	// freelist.
	pendingFrees []pendingFree

	commitSeq uint64
	closed    bool
}

type pendingFree struct {
	dpns        []pagestore.DiskPageNumber
	commitsLeft int
}

// Create initializes brand-new backing files per cfg and performs the
// first commit, establishing an empty youngest generation and writing the
// first durable root.
func Create(cfg Config) (*Engine, error) {
	e, err := buildEngine(cfg, true)
	if err != nil {
		return nil, err
	}
	if err := e.Commit(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// Open opens existing backing files and runs recovery.
func Open(cfg Config) (*Engine, error) {
	e, err := buildEngine(cfg, false)
	if err != nil {
		return nil, err
	}

	result, err := recovery.Recover(recovery.Dependencies{
		IO:      e.io,
		PM:      e.pm,
		Cat:     e.cat,
		GenMgr:  e.genMgr,
		Pool:    e.pool,
		Nursery: e.nursery,
		OID:     e.oidMap,
	})
	if err != nil {
		e.Close()
		return nil, shades.NewFatalError(shades.KindNoRootFound, "open: recover", err)
	}

	e.currentPinfo = result.Root.Current
	e.prevPinfo = result.Root.Prev
	e.prevPrevPinfo = result.Root.PrevPrev
	e.commitSeq = result.Root.Timestamp()

	if result.MajorGCWasStartedAtLastCommit {
		// The boundary a mid-round major GC had reached does not survive a
		// crash (only the generation statuses it already committed do);
		// re-marking from the current age list restarts the round rather
		// than attempting to replay an unrecoverable cursor.
		e.majorGC.MarkMajorGCGenerations()
	}
	return e, nil
}

// buildEngine constructs every dependency shared by Create and Open.
func buildEngine(cfg Config, create bool) (*Engine, error) {
	if len(cfg.DiskFilenames) == 0 {
		return nil, shades.NewFatalError(shades.KindConfig, "build engine", fmt.Errorf("no disk_filename configured"))
	}
	cfg.padFilesizes()
	if len(cfg.DiskFilesizes) != len(cfg.DiskFilenames) {
		return nil, shades.NewFatalError(shades.KindConfig, "build engine",
			fmt.Errorf("disk_filename has %d entries but disk_filesize has %d", len(cfg.DiskFilenames), len(cfg.DiskFilesizes)))
	}

	mgr := asyncio.NewManager(len(cfg.DiskFilenames), pagestore.WordsPerPage*4)
	for i, path := range cfg.DiskFilenames {
		var err error
		if create {
			err = mgr.CreateFile(i, path, cfg.DiskSkipNBytes)
		} else {
			err = mgr.OpenFile(i, path, cfg.DiskSkipNBytes)
		}
		if err != nil {
			return nil, shades.NewFatalError(shades.KindFileIO, "open backing file "+path, err)
		}
		if create {
			if err := os.Chmod(path, cfg.DiskFilePermissions); err != nil {
				return nil, shades.NewFatalError(shades.KindFileIO, "chmod backing file "+path, err)
			}
			if cfg.DiskFileGroup != "" {
				if err := chownToGroup(path, cfg.DiskFileGroup); err != nil {
					return nil, shades.NewFatalError(shades.KindFileIO, "chgrp backing file "+path, err)
				}
			}
		}
	}

	table := diskio.NewPageTable(cfg.PagesPerFile())
	io := diskio.New(mgr, table, diskio.RoundRobin{})
	if create {
		for i := range cfg.DiskFilenames {
			if err := io.FormatFile(i); err != nil {
				return nil, shades.NewFatalError(shades.KindFileIO, "format backing file", err)
			}
		}
	}

	pm, err := pagestore.NewPageManager(cfg.NumPages())
	if err != nil {
		return nil, shades.NewFatalError(shades.KindOutOfMainMemoryPages, "allocate page arena", err)
	}
	cat := cells.NewBuiltinCatalog()
	pool := remset.NewPool(cfg.RemSetsPerMalloc)
	genMgr := gen.NewManager(pm, cat, pool, cfg.MaxGenerationSize)
	nurseryWords := cfg.NurseryWords()
	nurs := nursery.New(nurseryWords, pagestore.Addr(pm.NumPages()*pagestore.WordsPerPage), cfg.DebugChecks)
	oidMap := oid.New()
	majorGC := gen.NewMajorGC(genMgr, pm, gen.MajorGCConfig{
		StartGCLimit:                   cfg.StartGCLimit,
		MaxGCLimit:                     cfg.MaxGCLimit,
		MaxGCEffort:                    cfg.MaxGCEffort,
		RelativeMatureGenerationSize:   cfg.RelativeMatureGenerationSize,
		AllowAdditionalGenerationality: cfg.AllowAdditionalGenerationality,
		GenerationShrinkageMargin:      cfg.GenerationShrinkageMargin,
	})

	return &Engine{
		cfg:          cfg,
		logger:       log.Default(),
		mgr:          mgr,
		io:           io,
		pm:           pm,
		cat:          cat,
		pool:         pool,
		genMgr:       genMgr,
		nursery:      nurs,
		nurseryWords: nurseryWords,
		oidMap:       oidMap,
		majorGC:      majorGC,
	}, nil
}

// chownToGroup changes path's group ownership to the named group
// (disk_file_group), leaving the owning user untouched.
func chownToGroup(path, group string) error {
	g, err := user.LookupGroup(group)
	if err != nil {
		return fmt.Errorf("lookup group %q: %w", group, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("parse gid %q: %w", g.Gid, err)
	}
	return os.Chown(path, -1, gid)
}

// SetLogger overrides the default log.Default() destination.
func (e *Engine) SetLogger(l *log.Logger) { e.logger = l }

// NewRoot registers a fresh external root slot, seeded into every future
// commit's copying-collector pass alongside every previously registered
// root.
func (e *Engine) NewRoot(initial word.Word) *Root {
	r := &Root{value: initial}
	e.roots = append(e.roots, gen.ValueRef(
		func() word.Word { return r.value },
		func(w word.Word) { r.value = w },
	))
	return r
}

// cellWords returns how many words a cell of type t (with per-type
// metadata meta) occupies, consulting the catalog the same way cells.Size
// does for an already-allocated cell.
func (e *Engine) cellWords(t cells.Type, meta uint32) (int, error) {
	d, ok := e.cat.Lookup(t)
	if !ok {
		return 0, fmt.Errorf("engine: allocate: type tag %d not in catalog", t)
	}
	if d.Variable {
		return int(meta), nil
	}
	return d.Width, nil
}

// Allocate reserves a fresh cell of type t, committing first if the
// nursery cannot fit it (the mutator's out-of-nursery-space condition is
// recovered by a commit, then the allocation retries) and failing fatally
// only if it still doesn't fit an empty nursery — a single cell larger
// than first_generation_size, which no commit can ever remedy.
func (e *Engine) Allocate(t cells.Type, meta uint32) (pagestore.Addr, error) {
	if e.closed {
		return 0, fmt.Errorf("engine: allocate on closed engine")
	}
	words, err := e.cellWords(t, meta)
	if err != nil {
		return 0, err
	}
	if !e.nursery.CanAllocate(words) {
		if err := e.Commit(); err != nil {
			return 0, err
		}
		if !e.nursery.CanAllocate(words) {
			return 0, shades.NewFatalError(shades.KindOutOfMainMemoryPages, "allocate",
				fmt.Errorf("cell of %d words does not fit in an empty %d-word nursery", words, e.nurseryWords))
		}
	}
	addr := e.nursery.Allocate(words)
	cells.InitHeader(e.nursery, addr, t, meta)
	return addr, nil
}

// countReferrers counts how many registered roots currently point directly
// into generation n, for the root block's per-generation referring-pointer
// count.
func (e *Engine) countReferrers(n gen.Number) int {
	count := 0
	for _, r := range e.roots {
		v := r.Get()
		if !word.IsPointer(v) || word.IsNull(v) {
			continue
		}
		pid := pagestore.Addr(word.ToPointer(v)).PageOf()
		if e.pm.IsAllocated(pid) && e.pm.Owner(pid) == pagestore.Generation(n) {
			count++
		}
	}
	return count
}

// Commit runs the group-commit sequence: stop-and-copy the nursery into a
// fresh youngest generation, write a new durable root, clear the nursery,
// then optionally drive one or more bounded major-GC steps before
// returning.
func (e *Engine) Commit() (err error) {
	if e.closed {
		return fmt.Errorf("engine: commit on closed engine")
	}
	defer func() {
		// The page-writer callback the collector drives has no error
		// channel of its own; it panics on a write failure and the commit
		// boundary converts that back into the fatal error it is.
		if r := recover(); r != nil {
			perr, ok := r.(error)
			if !ok {
				panic(r)
			}
			err = shades.NewFatalError(shades.KindOutOfDiskPages, "commit: write page", perr)
		}
	}()

	// Each commit group promotes into its own fresh generation; the
	// collector allocates it lazily on the first surviving cell.
	e.genMgr.SetToGeneration(nil)

	heap := &gen.Heap{Nursery: e.nursery, Arena: e.pm.Arena()}
	genDiskPages := make(map[gen.Number][]pagestore.DiskPageNumber)
	locate := func(n gen.Number, _ pagestore.PageID, dpn pagestore.DiskPageNumber) {
		genDiskPages[n] = append(genDiskPages[n], dpn)
	}
	onPageFull := e.io.GenPageWriter(locate)

	c := gen.NewCollector(heap, e.cat, e.pm, e.genMgr, e.pool, onPageFull, e.nurseryWords)
	for _, r := range e.roots {
		c.Seed(r)
	}
	if err := c.Drain(); err != nil {
		return shades.NewFatalError(shades.KindOutOfMainMemoryPages, "commit: copy nursery", err)
	}
	c.Finish()

	g := e.genMgr.ToGeneration()
	if g == nil {
		// Nothing survived the nursery; the commit still records an empty
		// youngest generation so every root describes one.
		var aerr error
		if g, aerr = e.genMgr.AllocateGeneration(); aerr != nil {
			return shades.NewFatalError(shades.KindOutOfMainMemoryPages, "commit: allocate youngest generation", aerr)
		}
	}
	g.DiskPages = genDiskPages[g.Number]
	g.NumReferringPtrs = e.countReferrers(g.Number)
	e.genMgr.InsertGenerationAfter(g, nil)

	rb := &diskio.RootBlock{
		MajorGCWasStartedAtLastCommit: e.majorGC.InProgress(),

		Current:  e.currentPinfo,
		Prev:     e.prevPinfo,
		PrevPrev: e.prevPrevPinfo,

		YoungestGenerationNumber:                int32(g.Number),
		YoungestGenerationNumberOfPages:         int32(len(g.Pages)),
		YoungestGenerationNumberOfReferringPtrs: int32(g.NumReferringPtrs),
		YoungestGenerationPageNumbers:           g.Pages,
		YoungestGenerationDiskPageNumbers:       g.DiskPages,
	}
	st := e.oidMap.Snapshot()
	rb.OIDMax = st.OIDMax
	rb.OIDInUse = st.OIDInUse
	rb.OIDAllocationCursor = st.OIDAllocationCursor
	rb.OIDPrevRandom = st.OIDPrevRandom
	rb.OIDFreelist = st.Freelist

	e.commitSeq++
	rb.SetTimestamp(e.commitSeq)

	rootPage, aerr := e.pm.AllocatePage(pagestore.NoGeneration)
	if aerr != nil {
		return shades.NewFatalError(shades.KindOutOfMainMemoryPages, "commit: allocate root page", aerr)
	}
	// The root page is only a marshal buffer; the durable copy lives on
	// disk, so the in-RAM page goes straight back to the freelist.
	defer e.pm.FreePage(rootPage.ID())
	if _, err := e.io.WriteRoot(rootPage, rb); err != nil {
		return shades.NewFatalError(shades.KindOutOfDiskPages, "commit: write root", err)
	}
	if e.cfg.RootTimestampIsDisplayed {
		e.logger.Printf("shades: committed root at timestamp %d", e.commitSeq)
	}

	e.nursery.Clear()

	if e.majorGC.ShouldBegin() {
		n := e.majorGC.MarkMajorGCGenerations()
		if n > 0 && e.cfg.BeVerbose {
			e.logger.Printf("shades: major gc marked %d generations to_be_collected", n)
		}
	}
	effort := 0
	for e.majorGC.InProgress() && e.majorGC.ShouldContinue(effort) {
		// Writes scheduled by an earlier step must be durable before this
		// step mutates any of the pages they cover.
		if err := e.mgr.DrainPendingWrites(); err != nil {
			return shades.NewFatalError(shades.KindFileIO, "commit: drain between major gc steps", err)
		}
		stepHeap := &gen.Heap{Nursery: e.nursery, Arena: e.pm.Arena()}
		sc := gen.NewCollector(stepHeap, e.cat, e.pm, e.genMgr, e.pool, onPageFull, e.nurseryWords)
		res, err := e.majorGC.Step(sc, e.nurseryWords, e.roots, nil)
		if err != nil {
			return shades.NewFatalError(shades.KindOutOfMainMemoryPages, "commit: major gc step", err)
		}
		if res.ToGeneration == nil {
			break
		}
		effort += len(res.ToGeneration.Pages) * pagestore.WordsPerPage
		if e.cfg.MustShowGroups {
			e.logger.Printf("shades: major gc step produced generation %d from %d source generations",
				res.ToGeneration.Number, len(res.From))
		}
	}

	e.retireCollectedTwice()
	e.prevPrevPinfo = e.prevPinfo
	e.prevPinfo = e.currentPinfo
	e.currentPinfo = e.snapshotPinfoHistory()
	e.releaseDuePendingFrees()

	return nil
}

// snapshotPinfoHistory builds the Current pinfo list for the NEXT commit's
// root write: every generation in the age list except the youngest one,
// which that next root will describe directly through its own dedicated
// fields.
func (e *Engine) snapshotPinfoHistory() []diskio.Pinfo {
	order := e.genMgr.AgeOrder()
	if len(order) <= 1 {
		return nil
	}
	out := make([]diskio.Pinfo, 0, len(order)-1)
	for _, g := range order[1:] {
		out = append(out, toDiskPinfo(gen.BuildPinfo(g)))
	}
	return out
}

func toDiskPinfo(p gen.Pinfo) diskio.Pinfo {
	return diskio.Pinfo{
		GenerationNumber:   int32(p.GenerationNumber),
		NumFromGenerations: int32(p.NumFromGenerations),
		NumReferringPtrs:   int32(p.NumReferringPtrs),
		Pages:              p.Pages,
		DiskPages:          p.DiskPages,
	}
}

// retireCollectedTwice drains the generation manager's collected-twice
// list, queuing each one's disk pages for release two commits from now
// instead of freeing them immediately (see pendingFree's doc comment).
func (e *Engine) retireCollectedTwice() {
	var dpns []pagestore.DiskPageNumber
	e.genMgr.MarkTwiceCollectedGenerationsNonexistent(func(dpn pagestore.DiskPageNumber) {
		dpns = append(dpns, dpn)
	})
	if len(dpns) > 0 {
		// releaseDuePendingFrees runs later in this same commit and counts
		// it too, so 3 releases the pages at the end of the second commit
		// after this one.
		e.pendingFrees = append(e.pendingFrees, pendingFree{dpns: dpns, commitsLeft: 3})
	}
}

// releaseDuePendingFrees counts down every queued release and actually
// frees the disk pages whose two-commit delay has elapsed.
func (e *Engine) releaseDuePendingFrees() {
	free := e.io.FreeDiskPageFunc()
	kept := e.pendingFrees[:0]
	for _, pf := range e.pendingFrees {
		pf.commitsLeft--
		if pf.commitsLeft <= 0 {
			for _, dpn := range pf.dpns {
				free(dpn)
			}
			continue
		}
		kept = append(kept, pf)
	}
	e.pendingFrees = kept
}

// TriggerMajorGC force-starts a major GC round even if free pages have not
// yet fallen below start_gc_limit, then commits so at least one step of it
// is driven and persisted — the operational escape hatch cmd/shadesd's
// TriggerGC RPC calls.
func (e *Engine) TriggerMajorGC() error {
	if !e.majorGC.InProgress() {
		e.majorGC.MarkMajorGCGenerations()
	}
	return e.Commit()
}

// Close drains and closes every backing file. A closed Engine may not be
// used again; open a new one with Open instead.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	var firstErr error
	if err := e.pm.Close(); err != nil {
		firstErr = err
	}
	for i := range e.cfg.DiskFilenames {
		if err := e.mgr.CloseFile(i); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats reports the operational counters cmd/shades' run subcommand and
// cmd/shadesd's Stats RPC surface.
type Stats struct {
	NumPages           int
	FreePages          int
	NurseryWords       int
	NurseryWordsFree   int
	YoungestGeneration gen.Number
	MajorGCInProgress  bool
	CommitSeq          uint64
}

// Stats snapshots the engine's current operational counters.
func (e *Engine) Stats() Stats {
	youngest := gen.Number(-1)
	if g := e.genMgr.Youngest(); g != nil {
		youngest = g.Number
	}
	return Stats{
		NumPages:           e.pm.NumPages(),
		FreePages:          e.pm.FreeCount(),
		NurseryWords:       e.nurseryWords,
		NurseryWordsFree:   e.nursery.WordsFree(),
		YoungestGeneration: youngest,
		MajorGCInProgress:  e.majorGC.InProgress(),
		CommitSeq:          e.commitSeq,
	}
}
