// Package sigma tags monitor detections with Sigma rule hits.
package sigma

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	sigmalib "github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
)

//go:embed rules
var embeddedRules embed.FS

// Engine holds parsed rules grouped by logsource.category, which names the
// monitor a rule applies to ("io", "dr", "map"). Uncategorized rules apply
// to every monitor.
type Engine struct {
	byCategory map[string][]*evaluator.RuleEvaluator
	any        []*evaluator.RuleEvaluator
}

// NewDefault loads the rules shipped in the binary.
func NewDefault() (*Engine, error) {
	sub, err := fs.Sub(embeddedRules, "rules")
	if err != nil {
		return nil, err
	}
	return New(sub)
}

// New parses every .yml/.yaml file under rulesFS.
func New(rulesFS fs.FS) (*Engine, error) {
	e := &Engine{byCategory: make(map[string][]*evaluator.RuleEvaluator)}
	err := fs.WalkDir(rulesFS, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if ext := path.Ext(p); ext != ".yml" && ext != ".yaml" {
			return nil
		}
		data, err := fs.ReadFile(rulesFS, p)
		if err != nil {
			return err
		}
		rule, err := sigmalib.ParseRule(data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", p, err)
		}
		e.add(evaluator.ForRule(rule))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) add(ev *evaluator.RuleEvaluator) {
	cat := strings.ToLower(ev.Rule.Logsource.Category)
	if cat == "" {
		e.any = append(e.any, ev)
		return
	}
	e.byCategory[cat] = append(e.byCategory[cat], ev)
}

// Len returns the number of loaded rules.
func (e *Engine) Len() int {
	n := len(e.any)
	for _, rules := range e.byCategory {
		n += len(rules)
	}
	return n
}

// Match returns the hits of every rule for category against one event.
func (e *Engine) Match(ctx context.Context, category string, event map[string]interface{}) []Match {
	if e == nil || len(event) == 0 {
		return nil
	}
	event = normalize(event)

	var matches []Match
	for _, rules := range [][]*evaluator.RuleEvaluator{e.byCategory[category], e.any} {
		for _, ev := range rules {
			res, err := ev.Matches(ctx, event)
			if err != nil || !res.Match {
				continue
			}
			matches = append(matches, Match{
				Category:  category,
				RuleTitle: ev.Rule.Title,
				RuleID:    ev.Rule.ID,
				Level:     ev.Rule.Level,
				Event:     event,
			})
		}
	}
	return matches
}

// normalize renders every value as text so rules written against the logged
// form ("0x20200000", "NOT_LEGITIMATE", "42") match whatever Go type the
// monitor used.
func normalize(event map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(event))
	for k, v := range event {
		switch typed := v.(type) {
		case string:
			out[k] = typed
		case fmt.Stringer:
			out[k] = typed.String()
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
