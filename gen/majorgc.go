package gen

import "github.com/shades-db/shades/pagestore"

// MajorGCConfig holds the incremental collector's scheduling knobs
// (start_gc_limit, max_gc_limit, max_gc_effort,
// relative_mature_generation_size, allow_additional_generationality,
// generation_shrinkage_margin).
type MajorGCConfig struct {
	StartGCLimit                   int
	MaxGCLimit                     int
	MaxGCEffort                    int
	RelativeMatureGenerationSize   float64
	AllowAdditionalGenerationality bool
	GenerationShrinkageMargin      float64
}

// MajorGC drives the incremental major collection cycle: it decides which
// generations to mark TO_BE_COLLECTED, then advances a boundary through
// them one bounded Step at a time across possibly many commits.
//
// Between two Step calls in the same commit group, the caller must drain
// pending page writes before mutating any page an earlier step scheduled —
// this package has no I/O visibility and cannot do that itself.
type MajorGC struct {
	mgr *Manager
	pm  *pagestore.PageManager
	cfg MajorGCConfig

	// boundary is the oldest not-yet-processed TO_BE_COLLECTED generation
	// left over from a prior Step call; nil means no major-GC run is in
	// progress.
	boundary *Generation
}

// NewMajorGC builds a MajorGC driver.
func NewMajorGC(mgr *Manager, pm *pagestore.PageManager, cfg MajorGCConfig) *MajorGC {
	return &MajorGC{mgr: mgr, pm: pm, cfg: cfg}
}

// ShouldBegin reports whether free pages have fallen below start_gc_limit,
// the trigger for starting a new major cycle.
func (mg *MajorGC) ShouldBegin() bool {
	return mg.boundary == nil && mg.pm.FreeCount() < mg.cfg.StartGCLimit
}

// InProgress reports whether a major cycle has marked generations still
// waiting on a Step.
func (mg *MajorGC) InProgress() bool { return mg.boundary != nil }

// MarkMajorGCGenerations walks the age list from the youngest generation,
// marking each Normal generation TO_BE_COLLECTED, until the accumulated
// page count covers the shortfall against start_gc_limit. When
// allow_additional_generationality is set, marking continues past that
// point while each next-older generation's page count still shrinks by at
// least generation_shrinkage_margin relative to the one before it.
func (mg *MajorGC) MarkMajorGCGenerations() int {
	needed := mg.cfg.StartGCLimit - mg.pm.FreeCount()
	if needed <= 0 {
		needed = 1
	}
	marked := 0
	total := 0
	for g := mg.mgr.Youngest(); g != nil; g = g.Older {
		if g.Status != Normal {
			continue
		}
		g.Status = ToBeCollected
		marked++
		total += len(g.Pages)

		if total < needed {
			continue
		}
		if !mg.cfg.AllowAdditionalGenerationality {
			break
		}
		older := g.Older
		if older == nil || len(older.Pages) == 0 {
			break
		}
		shrink := 1 - float64(len(older.Pages))/float64(len(g.Pages))
		if shrink < mg.cfg.GenerationShrinkageMargin {
			break
		}
	}
	if marked > 0 {
		var oldest *Generation
		for g := mg.mgr.Oldest(); g != nil; g = g.Younger {
			if g.Status == ToBeCollected {
				oldest = g
				break
			}
		}
		mg.boundary = oldest
	}
	return marked
}

// maxRunPages bounds one Step's run by relative_mature_generation_size, a
// fraction of the nursery's word count.
func (mg *MajorGC) maxRunPages(nurseryWords int) int {
	frac := mg.cfg.RelativeMatureGenerationSize
	if frac <= 0 || frac > 1 {
		frac = 1
	}
	n := int(frac * float64(nurseryWords) / float64(pagestore.WordsPerPage))
	if n < 1 {
		n = 1
	}
	return n
}

// StepResult reports what one Step call accomplished.
type StepResult struct {
	ToGeneration *Generation
	From         []*Generation
	MoreWork     bool
}

// Step performs one bounded unit of major-GC work: collect a run of
// TO_BE_COLLECTED generations starting at the boundary left by the
// previous step, mark them BEING_COLLECTED, seed the collector from their
// remembered sets plus the given roots and smart pointers, copy-and-drain,
// and transition the run to COLLECTED_ONCE.
//
// roots and smartPointers are seeded unconditionally; processRef is already
// a no-op for any ref whose current target does not live in a
// BEING_COLLECTED generation, so seeding every root is equivalent to (and
// simpler than) pre-filtering to only those that do.
func (mg *MajorGC) Step(c *Collector, nurseryWords int, roots, smartPointers []Ref) (*StepResult, error) {
	if mg.boundary == nil {
		return &StepResult{MoreWork: false}, nil
	}

	limit := mg.maxRunPages(nurseryWords)
	var run []*Generation
	pages := 0
	g := mg.boundary
	for g != nil && g.Status == ToBeCollected && pages < limit {
		run = append(run, g)
		pages += len(g.Pages)
		g = g.Younger
	}
	next := g
	if len(run) == 0 {
		mg.boundary = nil
		return &StepResult{MoreWork: false}, nil
	}

	toGn, err := mg.mgr.AllocateGeneration()
	if err != nil {
		return nil, err
	}
	for _, from := range run {
		from.Status = BeingCollected
		toGn.FromGenerations = append(toGn.FromGenerations, from)
	}

	for _, from := range run {
		from.RemSet.Each(func(addr pagestore.Addr) {
			c.Seed(FieldRef(c.heap, addr))
		})
	}
	for _, r := range roots {
		c.Seed(r)
	}
	for _, r := range smartPointers {
		c.Seed(r)
	}

	if err := c.Drain(); err != nil {
		return nil, err
	}
	c.Finish()

	anchorYounger := next
	for _, from := range run {
		mg.mgr.MarkGenerationCollectedOnce(from)
	}
	if anchorYounger != nil {
		mg.mgr.InsertGenerationAfter(toGn, anchorYounger)
	} else {
		mg.mgr.InsertGenerationAfter(toGn, nil)
	}

	if next != nil && next.Status == ToBeCollected {
		mg.boundary = next
	} else {
		mg.boundary = nil
	}

	return &StepResult{ToGeneration: toGn, From: run, MoreWork: mg.boundary != nil}, nil
}

// ShouldContinue bounds the total effort (words copied, supplied by the
// caller) by max_gc_effort, and keeps stepping only while free pages
// remain below a threshold interpolated between start_gc_limit (at zero
// effort spent) and max_gc_limit (at max_gc_effort spent). With the default
// limits (64 and 16) the bar falls as effort grows, so a commit that has
// already done a lot of GC work stops at fewer free pages.
func (mg *MajorGC) ShouldContinue(effortSpent int) bool {
	if mg.boundary == nil {
		return false
	}
	if mg.cfg.MaxGCEffort > 0 && effortSpent >= mg.cfg.MaxGCEffort {
		return false
	}
	frac := 0.0
	if mg.cfg.MaxGCEffort > 0 {
		frac = float64(effortSpent) / float64(mg.cfg.MaxGCEffort)
		if frac > 1 {
			frac = 1
		}
	}
	threshold := mg.cfg.StartGCLimit + int(frac*float64(mg.cfg.MaxGCLimit-mg.cfg.StartGCLimit))
	return mg.pm.FreeCount() < threshold
}
