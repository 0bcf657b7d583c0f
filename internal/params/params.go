// Package params implements the s-expression-like configuration grammar
// spec.md §4.10/§6 uses to describe a dtable stack declaratively:
//
//	config [
//	  "base" class(dt) managed_dtable
//	  "base_config" config [ "base" class(dt) simple_dtable ]
//	  "digest_on_close" bool true
//	]
//
// A Tree is the typed, in-memory result of parsing that grammar: a map
// from name to a Value tagged with one of the recognized kinds (bool,
// int, float, string, blob, class-name, sub-config). Class-name values
// are stored as written: Parse does not check them against the
// registry, so an unknown class surfaces at factory lookup.
package params

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nathansgreen/anvil/internal/anverr"
)

// Kind tags the value a Tree entry carries.
type Kind int

const (
	Bool Kind = iota
	Int
	Float
	String
	BlobKind
	ClassDT
	ClassCT
	ClassIdx
	Config
)

func (k Kind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	case BlobKind:
		return "blob"
	case ClassDT:
		return "class(dt)"
	case ClassCT:
		return "class(ct)"
	case ClassIdx:
		return "class(idx)"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// Value is one entry in a Tree.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Blob  []byte
	Class string
	Sub   *Tree
}

// Tree is a typed configuration sub-tree: an ordered list of named
// values, mirroring the source grammar's "config [ "name" type value ... ]".
type Tree struct {
	order []string
	named map[string]Value
}

// NewTree returns an empty Tree.
func NewTree() *Tree {
	return &Tree{named: make(map[string]Value)}
}

// Set adds or replaces a named value, preserving insertion order for
// names added for the first time.
func (t *Tree) Set(name string, v Value) {
	if _, ok := t.named[name]; !ok {
		t.order = append(t.order, name)
	}
	t.named[name] = v
}

// Get returns the value for name and whether it was present.
func (t *Tree) Get(name string) (Value, bool) {
	v, ok := t.named[name]
	return v, ok
}

// Names returns the keys in insertion order.
func (t *Tree) Names() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// GetBool returns the bool field name, or def when it is absent or of
// another kind.
func (t *Tree) GetBool(name string, def bool) bool {
	if v, ok := t.Get(name); ok && v.Kind == Bool {
		return v.Bool
	}
	return def
}

// GetInt returns the int field name, or def when it is absent or of
// another kind.
func (t *Tree) GetInt(name string, def int64) int64 {
	if v, ok := t.Get(name); ok && v.Kind == Int {
		return v.Int
	}
	return def
}

// GetString returns the string field name, or def when it is absent or
// of another kind.
func (t *Tree) GetString(name string, def string) string {
	if v, ok := t.Get(name); ok && v.Kind == String {
		return v.Str
	}
	return def
}

// GetClass fetches a required class-name field.
func (t *Tree) GetClass(name string) (string, error) {
	v, ok := t.Get(name)
	if !ok || (v.Kind != ClassDT && v.Kind != ClassCT && v.Kind != ClassIdx) {
		return "", anverr.Newf("params.GetClass", anverr.InvalidArgument, "missing class field %q", name)
	}
	return v.Class, nil
}

// GetConfig fetches a required sub-config field.
func (t *Tree) GetConfig(name string) (*Tree, error) {
	v, ok := t.Get(name)
	if !ok || v.Kind != Config {
		return nil, anverr.Newf("params.GetConfig", anverr.InvalidArgument, "missing config field %q", name)
	}
	return v.Sub, nil
}

// Parse tokenizes and parses a top-level "config [ ... ]" expression.
func Parse(src string) (*Tree, error) {
	toks := tokenize(src)
	p := &parser{toks: toks}
	if !p.consumeKeyword("config") {
		return nil, anverr.New("params.Parse", anverr.InvalidArgument)
	}
	tree, err := p.parseConfigBody()
	if err != nil {
		return nil, err
	}
	return tree, nil
}

type parser struct {
	toks []string
	pos  int
}

func (p *parser) peek() (string, bool) {
	if p.pos >= len(p.toks) {
		return "", false
	}
	return p.toks[p.pos], true
}

func (p *parser) next() (string, bool) {
	tok, ok := p.peek()
	if ok {
		p.pos++
	}
	return tok, ok
}

func (p *parser) consumeKeyword(kw string) bool {
	tok, ok := p.peek()
	if ok && tok == kw {
		p.pos++
		return true
	}
	return false
}

// parseConfigBody parses the "[ "name" type value ... ]" that follows
// the "config" keyword.
func (p *parser) parseConfigBody() (*Tree, error) {
	if !p.consumeKeyword("[") {
		return nil, anverr.Newf("params.parseConfigBody", anverr.InvalidArgument, "expected '[' after config")
	}
	tree := NewTree()
	for {
		tok, ok := p.peek()
		if !ok {
			return nil, anverr.New("params.parseConfigBody", anverr.InvalidArgument)
		}
		if tok == "]" {
			p.pos++
			return tree, nil
		}
		name, err := p.parseQuoted()
		if err != nil {
			return nil, err
		}
		kind, err := p.parseKind()
		if err != nil {
			return nil, err
		}
		val, err := p.parseValue(kind)
		if err != nil {
			return nil, err
		}
		tree.Set(name, val)
	}
}

func (p *parser) parseQuoted() (string, error) {
	tok, ok := p.next()
	if !ok {
		return "", anverr.New("params.parseQuoted", anverr.InvalidArgument)
	}
	if len(tok) < 2 || tok[0] != '"' || tok[len(tok)-1] != '"' {
		return "", anverr.Newf("params.parseQuoted", anverr.InvalidArgument, "expected quoted string, got %q", tok)
	}
	return tok[1 : len(tok)-1], nil
}

func (p *parser) parseKind() (Kind, error) {
	tok, ok := p.next()
	if !ok {
		return 0, anverr.New("params.parseKind", anverr.InvalidArgument)
	}
	switch tok {
	case "bool":
		return Bool, nil
	case "int":
		return Int, nil
	case "float":
		return Float, nil
	case "string":
		return String, nil
	case "blob":
		return BlobKind, nil
	case "class(dt)":
		return ClassDT, nil
	case "class(ct)":
		return ClassCT, nil
	case "class(idx)":
		return ClassIdx, nil
	case "config":
		return Config, nil
	default:
		return 0, anverr.Newf("params.parseKind", anverr.InvalidArgument, "unrecognized type keyword %q", tok)
	}
}

func (p *parser) parseValue(kind Kind) (Value, error) {
	switch kind {
	case Bool:
		tok, ok := p.next()
		if !ok {
			return Value{}, anverr.New("params.parseValue", anverr.InvalidArgument)
		}
		b, err := strconv.ParseBool(tok)
		if err != nil {
			return Value{}, anverr.Wrap("params.parseValue", anverr.InvalidArgument, err)
		}
		return Value{Kind: Bool, Bool: b}, nil
	case Int:
		tok, ok := p.next()
		if !ok {
			return Value{}, anverr.New("params.parseValue", anverr.InvalidArgument)
		}
		n, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return Value{}, anverr.Wrap("params.parseValue", anverr.InvalidArgument, err)
		}
		return Value{Kind: Int, Int: n}, nil
	case Float:
		tok, ok := p.next()
		if !ok {
			return Value{}, anverr.New("params.parseValue", anverr.InvalidArgument)
		}
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return Value{}, anverr.Wrap("params.parseValue", anverr.InvalidArgument, err)
		}
		return Value{Kind: Float, Float: f}, nil
	case String:
		s, err := p.parseQuoted()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: String, Str: s}, nil
	case BlobKind:
		s, err := p.parseQuoted()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: BlobKind, Blob: []byte(s)}, nil
	case ClassDT, ClassCT, ClassIdx:
		tok, ok := p.next()
		if !ok {
			return Value{}, anverr.New("params.parseValue", anverr.InvalidArgument)
		}
		return Value{Kind: kind, Class: tok}, nil
	case Config:
		sub, err := p.parseConfigBody()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: Config, Sub: sub}, nil
	default:
		return Value{}, anverr.Newf("params.parseValue", anverr.InvalidArgument, "unhandled kind %v", kind)
	}
}

// tokenize splits src into whitespace-separated tokens, keeping quoted
// strings (and the parenthesized class(...) keywords) intact as single
// tokens.
func tokenize(src string) []string {
	var toks []string
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '[' || c == ']':
			toks = append(toks, string(c))
			i++
		case c == '"':
			j := i + 1
			for j < len(src) && src[j] != '"' {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				j++
			}
			end := j
			if end < len(src) {
				end++
			}
			toks = append(toks, src[i:end])
			i = end
		default:
			j := i
			for j < len(src) && !isTokenBoundary(src[j]) {
				j++
			}
			toks = append(toks, src[i:j])
			i = j
		}
	}
	return toks
}

func isTokenBoundary(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '[' || c == ']' || c == '"'
}

// Render produces the canonical textual form of a Tree, the inverse of
// Parse, used by anvil's CLI to write a table's params file.
func (t *Tree) Render() string {
	var sb strings.Builder
	renderTree(&sb, t, 0)
	return sb.String()
}

func renderTree(sb *strings.Builder, t *Tree, indent int) {
	pad := strings.Repeat("  ", indent)
	sb.WriteString("config [\n")
	for _, name := range t.Names() {
		v := t.named[name]
		sb.WriteString(pad + "  ")
		fmt.Fprintf(sb, "%q %s ", name, v.Kind)
		switch v.Kind {
		case Bool:
			fmt.Fprintf(sb, "%v\n", v.Bool)
		case Int:
			fmt.Fprintf(sb, "%d\n", v.Int)
		case Float:
			fmt.Fprintf(sb, "%g\n", v.Float)
		case String:
			fmt.Fprintf(sb, "%q\n", v.Str)
		case BlobKind:
			fmt.Fprintf(sb, "%q\n", string(v.Blob))
		case ClassDT, ClassCT, ClassIdx:
			fmt.Fprintf(sb, "%s\n", v.Class)
		case Config:
			renderTree(sb, v.Sub, indent+1)
		}
	}
	sb.WriteString(pad + "]\n")
}
