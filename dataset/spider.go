package dataset

import (
	"encoding/json"
	"os"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// Record is one corpus entry: a SQL query for a given database, with an
// optional gold natural-language question.
type Record struct {
	DBID     string `json:"db_id"`
	Query    string `json:"query"`
	Question string `json:"question,omitempty"`
}

// readRecords parses a JSON array of records from disk.
func readRecords(path string) ([]Record, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read data file %q", path)
	}
	var records []Record
	if err := json.Unmarshal(content, &records); err != nil {
		return nil, errors.Wrapf(err, "failed to parse data file %q", path)
	}
	if len(records) == 0 {
		return nil, errors.Errorf("data file %q contains no records", path)
	}
	return records, nil
}

// DBSchema holds the lowercased table and column names of one database.
type DBSchema struct {
	Tables  map[string]bool
	Columns map[string]bool
}

// SchemaIndex maps db_id to its schema.
type SchemaIndex map[string]*DBSchema

// tableEntry mirrors one entry of the spider tables.json file.
// column_names_original rows are [table_index, column_name] pairs.
type tableEntry struct {
	DBID        string          `json:"db_id"`
	TableNames  []string        `json:"table_names_original"`
	ColumnNames [][]interface{} `json:"column_names_original"`
}

// LoadSchemas parses a spider-format tables.json file.
func LoadSchemas(path string) (SchemaIndex, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tables file %q", path)
	}
	var entries []tableEntry
	if err := json.Unmarshal(content, &entries); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tables file %q", path)
	}

	index := make(SchemaIndex, len(entries))
	for _, e := range entries {
		schema := &DBSchema{
			Tables:  make(map[string]bool, len(e.TableNames)),
			Columns: make(map[string]bool, len(e.ColumnNames)),
		}
		for _, name := range e.TableNames {
			schema.Tables[strings.ToLower(name)] = true
		}
		for _, col := range e.ColumnNames {
			if len(col) < 2 {
				continue
			}
			if name, ok := col[1].(string); ok {
				schema.Columns[strings.ToLower(name)] = true
			}
		}
		index[e.DBID] = schema
	}
	return index, nil
}

// sqlKeywords are tokens treated as part of the SQL language rather than
// schema or value content.
var sqlKeywords = map[string]bool{
	"select": true, "from": true, "where": true, "group": true, "by": true,
	"having": true, "order": true, "limit": true, "join": true, "on": true,
	"as": true, "and": true, "or": true, "not": true, "in": true, "like": true,
	"between": true, "intersect": true, "union": true, "except": true,
	"distinct": true, "count": true, "sum": true, "avg": true, "min": true,
	"max": true, "asc": true, "desc": true, "exists": true,
}

// clauseKeywords open a new top-level clause during tree construction.
var clauseKeywords = map[string]bool{
	"select": true, "from": true, "where": true, "group": true,
	"having": true, "order": true, "limit": true,
	"intersect": true, "union": true, "except": true,
}

// TokenizeSQL splits a SQL query into lowercase tokens. Quoted literals become
// single value tokens without their quotes; multi-character comparison
// operators stay whole.
func TokenizeSQL(query string) []string {
	var tokens []string
	runes := []rune(query)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '\'' || r == '"':
			quote := r
			j := i + 1
			for j < len(runes) && runes[j] != quote {
				j++
			}
			tokens = append(tokens, strings.ToLower(string(runes[i+1:j])))
			if j < len(runes) {
				j++
			}
			i = j
		case isWordRune(r):
			j := i
			for j < len(runes) && isWordRune(runes[j]) {
				j++
			}
			tokens = append(tokens, strings.ToLower(string(runes[i:j])))
			i = j
		default:
			// Operators and punctuation; greedy two-character match first.
			if i+1 < len(runes) {
				pair := string(runes[i : i+2])
				if pair == ">=" || pair == "<=" || pair == "!=" || pair == "<>" {
					tokens = append(tokens, pair)
					i += 2
					continue
				}
			}
			tokens = append(tokens, string(r))
			i++
		}
	}
	return tokens
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}

// tokenizeQuestion splits gold question text on whitespace, lowercased.
func tokenizeQuestion(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// classify assigns a node type to a token using the database schema.
// Dotted column references are matched on their final segment.
func classify(tok string, schema *DBSchema) int32 {
	if sqlKeywords[tok] {
		return TypeKeyword
	}
	if isOperatorToken(tok) {
		return TypeOperator
	}
	if isNumericToken(tok) {
		return TypeValue
	}
	if schema != nil {
		name := tok
		if idx := strings.LastIndex(tok, "."); idx >= 0 && idx+1 < len(tok) {
			name = tok[idx+1:]
		}
		if schema.Tables[name] {
			return TypeTable
		}
		if schema.Columns[name] {
			return TypeColumn
		}
	}
	return TypeIdentifier
}

func isOperatorToken(tok string) bool {
	switch tok {
	case "=", ">", "<", ">=", "<=", "!=", "<>", "(", ")", ",", ";", "*", ".", "+", "-", "/":
		return true
	}
	return false
}

func isNumericToken(tok string) bool {
	if tok == "" {
		return false
	}
	dot := false
	for _, r := range tok {
		if r == '.' {
			if dot {
				return false
			}
			dot = true
			continue
		}
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// copyable reports whether a token type may be emitted through the copy
// mechanism. Language tokens are never copied.
func copyable(typ int32) bool {
	switch typ {
	case TypeTable, TypeColumn, TypeValue, TypeIdentifier:
		return true
	}
	return false
}
