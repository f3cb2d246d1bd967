package detect

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iyulab/plcguard/internal/sigma"
)

// Reporter consumes finished detection records. Monitors call Report
// synchronously from their task or interception path.
type Reporter interface {
	Report(r Record)
}

// ReporterFunc adapts a plain function to Reporter.
type ReporterFunc func(Record)

func (f ReporterFunc) Report(r Record) { f(r) }

// Tagger assigns Sigma rule matches to a detection event.
type Tagger interface {
	Match(ctx context.Context, category string, event map[string]interface{}) []sigma.Match
}

// DefaultCapacity is the number of records a journal keeps when none is given.
const DefaultCapacity = 256

// Journal logs every detection and keeps the most recent ones in memory.
type Journal struct {
	log   zerolog.Logger
	rules Tagger
	now   func() time.Time

	mu    sync.Mutex
	ring  []Record
	next  int
	full  bool
	total uint64
	subs  []chan Record
}

// NewJournal creates a journal holding up to capacity records. rules may be nil.
func NewJournal(log zerolog.Logger, rules Tagger, capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{
		log:   log,
		rules: rules,
		now:   time.Now,
		ring:  make([]Record, capacity),
	}
}

// Report stamps r with an id and time, tags it, logs it and stores it.
func (j *Journal) Report(r Record) {
	j.stamp(&r)

	ev := j.log.Info()
	if r.Verdict == NotLegitimate || r.Action == ActionDenied || r.Action == ActionRestored {
		ev = j.log.Warn()
	}
	ev.Str("id", r.ID).
		Str("monitor", r.Monitor).
		Str("kind", r.Kind).
		Str("target", hex(r.Target)).
		Str("old", hex(r.Old)).
		Str("new", hex(r.New)).
		Stringer("verdict", r.Verdict).
		Stringer("action", r.Action)
	if r.Context != nil {
		ev.Fields(r.Context.Fields())
	}
	if r.Level != "" {
		ev.Str("severity", r.Level).Strs("rules", r.Rules)
	}
	ev.Msg("detection")

	j.mu.Lock()
	j.ring[j.next] = r
	j.next = (j.next + 1) % len(j.ring)
	if j.next == 0 {
		j.full = true
	}
	j.total++
	subs := j.subs
	j.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- r:
		default:
		}
	}
}

func (j *Journal) stamp(r *Record) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.At.IsZero() {
		r.At = j.now()
	}
	if j.rules == nil {
		return
	}
	matches := j.rules.Match(context.Background(), r.Monitor, r.Fields())
	r.Level = sigma.MaxLevel(matches)
	r.Rules = r.Rules[:0]
	for _, m := range matches {
		r.Rules = append(r.Rules, m.RuleTitle)
	}
}

// Records returns the retained records, oldest first.
func (j *Journal) Records() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.full {
		return append([]Record(nil), j.ring[:j.next]...)
	}
	out := make([]Record, 0, len(j.ring))
	out = append(out, j.ring[j.next:]...)
	return append(out, j.ring[:j.next]...)
}

// Total returns the number of records reported since creation.
func (j *Journal) Total() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.total
}

// Subscribe returns a channel receiving every subsequent record. Slow
// subscribers miss records rather than blocking the reporting monitor.
func (j *Journal) Subscribe(buffer int) <-chan Record {
	ch := make(chan Record, buffer)
	j.mu.Lock()
	j.subs = append(append([]chan Record(nil), j.subs...), ch)
	j.mu.Unlock()
	return ch
}
