// regex_constraint.go - the Regex(pattern) constraint
//
// Contains:
// - RegexConstraint: masks tokens whose text can no longer be extended
//   into a match of the pattern
// - NFA simulation over regexp/syntax.Prog for the prefix test;
//   completion checking via regexp2 (which also carries lookaround
//   patterns the prefix simulator cannot cover)
package sample

import (
	"regexp/syntax"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

// RegexConstraint restricts output to strings matching pattern.
type RegexConstraint struct {
	full *regexp2.Regexp

	// prog is the compiled RE2-subset program used for incremental prefix
	// validity. nil when the pattern needs features RE2 cannot express; in
	// that case Mask is a no-op and only IsComplete constrains.
	prog *syntax.Prog

	cur     []int
	next    []int
	scratch []int
	onList  []bool
}

// NewRegexConstraint compiles pattern. The regexp2 compile is
// authoritative; the RE2 program is a best-effort accelerator for
// per-token masking.
func NewRegexConstraint(pattern string) (*RegexConstraint, error) {
	full, err := regexp2.Compile(`\A(?:`+pattern+`)\z`, regexp2.RE2)
	if err != nil {
		// Fall back to default flavor for lookaround-style patterns.
		full, err = regexp2.Compile(`\A(?:`+pattern+`)\z`, regexp2.None)
		if err != nil {
			return nil, err
		}
	}

	c := &RegexConstraint{full: full}

	if re, err := syntax.Parse(pattern, syntax.Perl); err == nil {
		if prog, err := syntax.Compile(re.Simplify()); err == nil {
			c.prog = prog
			c.onList = make([]bool, len(prog.Inst))
			c.cur = c.addThread(nil, uint32(prog.Start))
			c.resetOnList(c.cur)
		}
	}

	return c, nil
}

// addThread follows epsilon transitions from pc, appending reachable
// rune/match instructions to list. Empty-width assertions are treated as
// satisfied: masking must never be stricter than the real pattern.
func (c *RegexConstraint) addThread(list []int, pc uint32) []int {
	if c.onList[pc] {
		return list
	}
	c.onList[pc] = true

	inst := &c.prog.Inst[pc]
	switch inst.Op {
	case syntax.InstAlt, syntax.InstAltMatch:
		list = c.addThread(list, inst.Out)
		list = c.addThread(list, inst.Arg)
	case syntax.InstCap, syntax.InstNop, syntax.InstEmptyWidth:
		list = c.addThread(list, inst.Out)
	case syntax.InstRune, syntax.InstRune1, syntax.InstRuneAny, syntax.InstRuneAnyNotNL, syntax.InstMatch:
		list = append(list, int(pc))
	}
	return list
}

func (c *RegexConstraint) resetOnList(list []int) {
	for i := range c.onList {
		c.onList[i] = false
	}
	_ = list
}

// step advances the thread set over one rune. Returns the new set (backed
// by c.next) and whether any thread survives.
func (c *RegexConstraint) step(set []int, r rune) []int {
	c.next = c.next[:0]
	for _, pc := range set {
		inst := &c.prog.Inst[pc]
		switch inst.Op {
		case syntax.InstRune, syntax.InstRune1, syntax.InstRuneAny, syntax.InstRuneAnyNotNL:
			if inst.MatchRune(r) {
				c.next = c.addThread(c.next, inst.Out)
			}
		}
	}
	c.resetOnList(c.next)
	return c.next
}

// prefixOK reports whether piece keeps at least one NFA thread alive
// starting from the current set. The probe never mutates c.cur.
func (c *RegexConstraint) prefixOK(piece string) bool {
	set := append(c.scratch[:0], c.cur...)
	for _, r := range piece {
		if len(set) == 0 {
			return false
		}
		stepped := c.step(set, r)
		set = append(set[:0], stepped...)
	}
	c.scratch = set[:0]
	return len(set) > 0
}

func (c *RegexConstraint) Mask(logits []float32, pieces []string) {
	if c.prog == nil {
		return
	}
	for i := range logits {
		if i >= len(pieces) || pieces[i] == "" {
			continue
		}
		if !utf8.ValidString(pieces[i]) {
			// Partial byte-fallback pieces cannot be judged rune-wise;
			// leave them unmasked rather than over-restricting.
			continue
		}
		if !c.prefixOK(pieces[i]) {
			logits[i] = negInf
		}
	}
}

func (c *RegexConstraint) Accept(piece string) {
	if c.prog == nil {
		return
	}
	for _, r := range piece {
		c.cur = append(c.cur[:0], c.step(c.cur, r)...)
		if len(c.cur) == 0 {
			return
		}
	}
}

func (c *RegexConstraint) IsComplete(text string) bool {
	ok, err := c.full.MatchString(text)
	return err == nil && ok
}
