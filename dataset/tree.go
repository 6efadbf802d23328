package dataset

// Node types for the tree representation of a SQL query. The count is part of
// the TreeLSTM model contract: its type embedding table has NodeTypeCount rows.
const (
	TypeRoot int32 = iota
	TypeClause
	TypeKeyword
	TypeTable
	TypeColumn
	TypeValue
	TypeOperator
	TypeIdentifier

	NodeTypeCount = 8
)

// treeNode is the intermediate form used while building the clause tree.
type treeNode struct {
	token    string
	typ      int32
	children []*treeNode
}

// tree is the flattened, preorder-indexed form consumed by examples.
// order[i] is the bottom-up evaluation wave of node i (leaves are wave 0);
// adjacency rows are [parent, child] pairs and edgeOrder[e] is the wave of
// the parent, so an edge is consumed exactly when its parent is computed.
type tree struct {
	tokens    []string
	types     []int32
	order     []int32
	adjacency [][2]int32
	edgeOrder []int32
}

// buildTree parses tokenized SQL into a clause tree: a root node, one child
// per top-level clause, token leaves under each clause, and recursively nested
// statements for parenthesized subqueries. Parentheses themselves are dropped;
// the structure carries the grouping.
func buildTree(tokens []string, schema *DBSchema) *tree {
	root := parseStatement(tokens, schema)
	return flatten(root)
}

func parseStatement(tokens []string, schema *DBSchema) *treeNode {
	root := &treeNode{token: "sql", typ: TypeRoot}

	// Split into clause spans at top-level clause keywords.
	depth := 0
	start := 0
	var spans [][]string
	for i, tok := range tokens {
		switch tok {
		case "(":
			depth++
		case ")":
			depth--
		}
		if depth == 0 && clauseKeywords[tok] && i > start {
			spans = append(spans, tokens[start:i])
			start = i
		}
	}
	if start < len(tokens) {
		spans = append(spans, tokens[start:])
	}

	for _, span := range spans {
		if len(span) == 0 {
			continue
		}
		var clause *treeNode
		rest := span
		if clauseKeywords[span[0]] {
			clause = &treeNode{token: span[0], typ: TypeClause}
			rest = span[1:]
		} else {
			// Tokens before the first clause keyword attach to the root
			// through an anonymous clause.
			clause = &treeNode{token: span[0], typ: classify(span[0], schema)}
			rest = span[1:]
		}
		attachLeaves(clause, rest, schema)
		root.children = append(root.children, clause)
	}
	return root
}

// attachLeaves adds span tokens as children of the clause, recursing into
// parenthesized subqueries.
func attachLeaves(clause *treeNode, span []string, schema *DBSchema) {
	i := 0
	for i < len(span) {
		tok := span[i]
		if tok == "(" {
			end := matchParen(span, i)
			inner := span[i+1 : end]
			if len(inner) > 0 && inner[0] == "select" {
				clause.children = append(clause.children, parseStatement(inner, schema))
			} else {
				attachLeaves(clause, inner, schema)
			}
			i = end + 1
			continue
		}
		if tok == ")" {
			i++
			continue
		}
		clause.children = append(clause.children, &treeNode{token: tok, typ: classify(tok, schema)})
		i++
	}
}

// matchParen returns the index of the ")" matching the "(" at open, or the
// span end when unbalanced.
func matchParen(span []string, open int) int {
	depth := 0
	for i := open; i < len(span); i++ {
		switch span[i] {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(span)
}

func flatten(root *treeNode) *tree {
	t := &tree{}

	var index func(n *treeNode) int32
	index = func(n *treeNode) int32 {
		idx := int32(len(t.tokens))
		t.tokens = append(t.tokens, n.token)
		t.types = append(t.types, n.typ)
		t.order = append(t.order, 0)
		for _, child := range n.children {
			childIdx := index(child)
			t.adjacency = append(t.adjacency, [2]int32{idx, childIdx})
			if t.order[childIdx]+1 > t.order[idx] {
				t.order[idx] = t.order[childIdx] + 1
			}
		}
		return idx
	}
	index(root)

	t.edgeOrder = make([]int32, len(t.adjacency))
	for e, edge := range t.adjacency {
		t.edgeOrder[e] = t.order[edge[0]]
	}
	return t
}
