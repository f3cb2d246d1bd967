package mapmon

import (
	"fmt"
	"slices"
	"sync"

	"github.com/iyulab/plcguard/internal/platform"
)

// Page is one page of a process mapping onto physical memory.
type Page struct {
	Phys uint64 `json:"phys"`
	Virt uint64 `json:"virt"`
	PID  int    `json:"pid"`
}

// Registry is the ordered list of tracked pages. Pages created by one
// request are kept adjacent in list order. Moving part of a mapping away
// leaves the rest of its run split around the moved pages; no gap marker is
// stored.
type Registry struct {
	mu       sync.Mutex
	pages    []Page
	max      int
	pageSize uint64
}

// NewRegistry creates a registry holding at most max pages of pageSize bytes.
func NewRegistry(max int, pageSize uint64) *Registry {
	return &Registry{max: max, pageSize: pageSize}
}

func (r *Registry) count(length uint64) uint64 {
	return (length + r.pageSize - 1) / r.pageSize
}

func (r *Registry) within(p Page, pid int, virt, length uint64) bool {
	return p.PID == pid && p.Virt >= virt && p.Virt < virt+r.count(length)*r.pageSize
}

func (r *Registry) fits(n int) error {
	if r.max > 0 && n > r.max {
		return fmt.Errorf("%w: registry holds at most %d pages", platform.ErrAlloc, r.max)
	}
	return nil
}

// Add records a new mapping of length bytes at virt backed by phys. Pages
// the process already had tracked in that range are replaced.
func (r *Registry) Add(pid int, virt, phys, length uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := slices.DeleteFunc(slices.Clone(r.pages), func(p Page) bool {
		return r.within(p, pid, virt, length)
	})
	n := r.count(length)
	if err := r.fits(len(kept) + int(n)); err != nil {
		return err
	}
	for k := uint64(0); k < n; k++ {
		kept = append(kept, Page{Phys: phys + k*r.pageSize, Virt: virt + k*r.pageSize, PID: pid})
	}
	r.pages = kept
	return nil
}

// Move follows a grow/shrink/move of the tracked range [oldVirt,
// oldVirt+oldLen) to [newVirt, newVirt+newLen). The resulting run is placed
// where the first moved page was. Grown pages continue the physical range of
// the last moved page. It returns the number of pages now tracked for the
// new range, zero when nothing in the old range was tracked.
func (r *Registry) Move(pid int, oldVirt, oldLen, newVirt, newLen uint64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var moved []Page
	kept := make([]Page, 0, len(r.pages))
	pos := -1
	for _, p := range r.pages {
		switch {
		case r.within(p, pid, oldVirt, oldLen):
			if pos < 0 {
				pos = len(kept)
			}
			moved = append(moved, p)
		case r.within(p, pid, newVirt, newLen):
			// replaced by the move
		default:
			kept = append(kept, p)
		}
	}
	if len(moved) == 0 {
		return 0, nil
	}

	n := int(r.count(newLen))
	if err := r.fits(len(kept) + n); err != nil {
		return 0, err
	}
	slices.SortFunc(moved, func(a, b Page) int {
		switch {
		case a.Virt < b.Virt:
			return -1
		case a.Virt > b.Virt:
			return 1
		}
		return 0
	})
	run := make([]Page, n)
	last := moved[len(moved)-1]
	for k := range run {
		var phys uint64
		if k < len(moved) {
			phys = moved[k].Phys
		} else {
			phys = last.Phys + uint64(k-len(moved)+1)*r.pageSize
		}
		run[k] = Page{Phys: phys, Virt: newVirt + uint64(k)*r.pageSize, PID: pid}
	}
	r.pages = slices.Insert(kept, pos, run...)
	return n, nil
}

// Alter re-points the tracked pages in [virt, virt+length) at phys,
// keeping their list position.
func (r *Registry) Alter(pid int, virt, length, phys uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i, p := range r.pages {
		if r.within(p, pid, virt, length) {
			r.pages[i].Phys = phys + (p.Virt - virt)
			n++
		}
	}
	return n
}

// Delete drops the tracked pages in [virt, virt+length) and returns how
// many there were.
func (r *Registry) Delete(pid int, virt, length uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.pages)
	r.pages = slices.DeleteFunc(r.pages, func(p Page) bool {
		return r.within(p, pid, virt, length)
	})
	return before - len(r.pages)
}

// Clean drops every page owned by pid.
func (r *Registry) Clean(pid int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.pages)
	r.pages = slices.DeleteFunc(r.pages, func(p Page) bool { return p.PID == pid })
	return before - len(r.pages)
}

// Lookup returns the tracked page of pid at virt.
func (r *Registry) Lookup(pid int, virt uint64) (Page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pages {
		if p.PID == pid && p.Virt == virt&^(r.pageSize-1) {
			return p, true
		}
	}
	return Page{}, false
}

// Len returns the number of tracked pages.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pages)
}

// Snapshot returns a copy of the tracked pages in list order.
func (r *Registry) Snapshot() []Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.pages)
}

// Each calls fn for every page in list order while holding the lock.
// fn must not call back into the registry.
func (r *Registry) Each(fn func(Page)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pages {
		fn(p)
	}
}

// Reset drops every page.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.pages = nil
	r.mu.Unlock()
}
