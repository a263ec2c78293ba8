package questionnaire

import (
	"fmt"
	"sort"
	"strings"
)

// Node is a question's position in the tree. Question.Questions is not used
// once the tree is built; Children carries the order instead.
type Node struct {
	Question *Question
	Parent   string
	Children []string
	Depth    int
}

// Tree is the flattened, link_id-addressed form of a question list.
type Tree struct {
	nodes map[string]*Node
	roots []string
	order []string
	byID  map[string]string

	duplicates []string
	empty      int

	// enable_when cycles, members in definition order
	cycles [][]string
	cyclic map[string]bool
}

// NewTree flattens questions into a tree. Duplicate and empty link_ids are
// recorded for ValidateDefinition and otherwise skipped, so a tree can
// always be built.
func NewTree(questions []Question) *Tree {
	t := &Tree{
		nodes: make(map[string]*Node),
		byID:  make(map[string]string),
	}
	t.roots = t.add(questions, "", 0)
	t.findCycles()
	return t
}

func (t *Tree) add(questions []Question, parent string, depth int) []string {
	var ids []string
	for i := range questions {
		q := &questions[i]
		if q.LinkID == "" {
			t.empty++
			continue
		}
		if _, dup := t.nodes[q.LinkID]; dup {
			t.duplicates = append(t.duplicates, q.LinkID)
			continue
		}
		n := &Node{Question: q, Parent: parent, Depth: depth}
		t.nodes[q.LinkID] = n
		t.order = append(t.order, q.LinkID)
		if q.ID != "" {
			t.byID[q.ID] = q.LinkID
		}
		ids = append(ids, q.LinkID)
		n.Children = t.add(q.Questions, q.LinkID, depth+1)
	}
	return ids
}

// Node returns the node for linkID.
func (t *Tree) Node(linkID string) (*Node, bool) {
	n, ok := t.nodes[linkID]
	return n, ok
}

// Resolve maps a question id, or failing that a link_id, to a link_id.
func (t *Tree) Resolve(questionID string) (string, bool) {
	if linkID, ok := t.byID[questionID]; ok {
		return linkID, true
	}
	if _, ok := t.nodes[questionID]; ok {
		return questionID, true
	}
	return "", false
}

// Order returns link_ids in depth-first definition order.
func (t *Tree) Order() []string { return t.order }

// Roots returns the top-level link_ids in definition order.
func (t *Tree) Roots() []string { return t.roots }

// Len returns the number of questions in the tree, groups included.
func (t *Tree) Len() int { return len(t.order) }

// dependencies lists the questions whose state decides whether linkID is
// enabled: the targets of its conditions and its parent group.
func (t *Tree) dependencies(linkID string) []string {
	n := t.nodes[linkID]
	var deps []string
	for _, cond := range n.Question.EnableWhen {
		if _, ok := t.nodes[cond.Question]; ok {
			deps = append(deps, cond.Question)
		}
	}
	if n.Parent != "" {
		deps = append(deps, n.Parent)
	}
	return deps
}

// findCycles records the strongly connected components of the dependency
// graph (Tarjan). A question that references itself is cyclic on its own.
func (t *Tree) findCycles() {
	t.cyclic = make(map[string]bool)
	pos := make(map[string]int, len(t.order))
	for i, id := range t.order {
		pos[id] = i
	}

	index := make(map[string]int, len(t.order))
	low := make(map[string]int, len(t.order))
	onStack := make(map[string]bool)
	var stack []string

	var connect func(id string)
	connect = func(id string) {
		index[id] = len(index)
		low[id] = index[id]
		stack = append(stack, id)
		onStack[id] = true

		self := false
		for _, dep := range t.dependencies(id) {
			if dep == id {
				self = true
			}
			if _, seen := index[dep]; !seen {
				connect(dep)
				low[id] = min(low[id], low[dep])
			} else if onStack[dep] {
				low[id] = min(low[id], index[dep])
			}
		}
		if low[id] != index[id] {
			return
		}

		var scc []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			scc = append(scc, top)
			if top == id {
				break
			}
		}
		if len(scc) == 1 && !self {
			return
		}
		for _, m := range scc {
			t.cyclic[m] = true
		}
		if len(scc) > 1 {
			sort.Slice(scc, func(i, j int) bool { return pos[scc[i]] < pos[scc[j]] })
			t.cycles = append(t.cycles, scc)
		}
	}
	for _, id := range t.order {
		if _, seen := index[id]; !seen {
			connect(id)
		}
	}
	sort.Slice(t.cycles, func(i, j int) bool { return pos[t.cycles[i][0]] < pos[t.cycles[j][0]] })
}

// DefinitionIssue is one problem found in a questionnaire definition.
type DefinitionIssue struct {
	LinkID  string `json:"link_id,omitempty"`
	Message string `json:"message"`
}

// DefinitionReport lists every error and warning in a definition. Warnings
// do not block saving.
type DefinitionReport struct {
	Errors   []DefinitionIssue `json:"errors"`
	Warnings []DefinitionIssue `json:"warnings"`
}

func (r *DefinitionReport) Valid() bool { return len(r.Errors) == 0 }

func (r *DefinitionReport) errorf(linkID, format string, args ...interface{}) {
	r.Errors = append(r.Errors, DefinitionIssue{LinkID: linkID, Message: fmt.Sprintf(format, args...)})
}

func (r *DefinitionReport) warnf(linkID, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, DefinitionIssue{LinkID: linkID, Message: fmt.Sprintf(format, args...)})
}

// DefinitionError is returned when a definition has errors.
type DefinitionError struct {
	Report DefinitionReport
}

func (e *DefinitionError) Error() string {
	msgs := make([]string, 0, len(e.Report.Errors))
	for _, i := range e.Report.Errors {
		if i.LinkID != "" {
			msgs = append(msgs, i.LinkID+": "+i.Message)
		} else {
			msgs = append(msgs, i.Message)
		}
	}
	return "invalid questionnaire: " + strings.Join(msgs, "; ")
}

// ValidateDefinition checks the whole question tree and reports every
// violation it finds.
func ValidateDefinition(questions []Question) (*Tree, DefinitionReport) {
	t := NewTree(questions)
	var r DefinitionReport

	if t.empty > 0 {
		r.errorf("", "%d question(s) have an empty link_id", t.empty)
	}
	for _, dup := range t.duplicates {
		r.errorf(dup, "duplicate link_id")
	}
	if len(t.order) == 0 && t.empty == 0 {
		r.warnf("", "questionnaire has no questions")
	}

	for _, linkID := range t.order {
		n := t.nodes[linkID]
		q := n.Question

		if !validQuestionTypes[q.Type] {
			r.errorf(linkID, "unknown question type %q", q.Type)
		}
		if q.Type == TypeStructured {
			if !StructuredTypes[q.StructuredType] {
				r.errorf(linkID, "unknown structured_type %q", q.StructuredType)
			}
		} else if q.StructuredType != "" {
			r.errorf(linkID, "structured_type is only allowed on structured questions")
		}
		if q.Type != TypeGroup && len(q.Questions) > 0 {
			r.errorf(linkID, "only group questions may have sub-questions")
		}
		if q.Type == TypeChoice {
			switch {
			case len(q.AnswerOption) == 0 && q.AnswerValueSet == "":
				r.errorf(linkID, "choice question needs answer_option or answer_value_set")
			case len(q.AnswerOption) > 0 && q.AnswerValueSet != "":
				r.errorf(linkID, "choice question cannot have both answer_option and answer_value_set")
			}
		} else if len(q.AnswerOption) > 0 || q.AnswerValueSet != "" {
			r.errorf(linkID, "answer options are only allowed on choice questions")
		}
		if q.EnableBehavior != "" && q.EnableBehavior != BehaviorAll && q.EnableBehavior != BehaviorAny {
			r.errorf(linkID, "enable_behavior must be %q or %q", BehaviorAll, BehaviorAny)
		}
		for i, cond := range q.EnableWhen {
			checkCondition(t, &r, linkID, i, cond)
		}
	}
	// self references are reported by checkCondition
	for _, cycle := range t.cycles {
		r.errorf(cycle[0], "enable_when cycle between %s", strings.Join(cycle, ", "))
	}
	return t, r
}

func checkCondition(t *Tree, r *DefinitionReport, linkID string, i int, cond EnableWhen) {
	if cond.Question == linkID {
		r.errorf(linkID, "enable_when[%d] references the question itself", i)
	} else if _, ok := t.nodes[cond.Question]; !ok {
		r.warnf(linkID, "enable_when[%d] references unknown question %q and will never be satisfied", i, cond.Question)
	}

	if !validOperators[cond.Operator] {
		r.errorf(linkID, "enable_when[%d] has unknown operator %q", i, cond.Operator)
		return
	}
	switch cond.Operator {
	case OpExists:
		if _, ok := cond.Answer.(bool); !ok {
			r.errorf(linkID, "enable_when[%d] exists needs a boolean answer", i)
		}
	case OpEquals, OpNotEquals:
		if _, ok := cond.Answer.(string); !ok {
			r.errorf(linkID, "enable_when[%d] %s needs a string answer", i, cond.Operator)
		}
	default:
		if !isNumber(cond.Answer) {
			r.errorf(linkID, "enable_when[%d] %s needs a numeric answer", i, cond.Operator)
		}
	}
}
