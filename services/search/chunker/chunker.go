// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chunker splits one generated Python program into the labeled
// chunks that become tree edges.
//
// A chunk starts at a top-level docstring (a bare string literal statement)
// and runs up to the next one or the end of the source. The docstring text
// becomes the chunk label. Only module-level statements are inspected, so
// function and class bodies are never split.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/AleutianAI/simsearch/services/search/datatypes"
)

// DefaultMaxSourceBytes bounds the size of a single generation.
const DefaultMaxSourceBytes = 1 << 20

var (
	// ErrSyntax is returned when the source does not parse.
	ErrSyntax = errors.New("syntax error")

	// ErrSourceTooLarge is returned when the source exceeds the size limit.
	ErrSourceTooLarge = errors.New("source too large")

	// ErrInvalidSource is returned for non UTF-8 input.
	ErrInvalidSource = errors.New("source is not valid UTF-8")
)

// SyntaxError locates the first parse error in a source.
type SyntaxError struct {
	Line   int
	Column int
	Near   string
}

// Error implements error.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d column %d near %q", e.Line, e.Column, e.Near)
}

// Is makes errors.Is(err, ErrSyntax) hold for every SyntaxError.
func (e *SyntaxError) Is(target error) bool {
	return target == ErrSyntax
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithMaxSourceBytes overrides the source size limit. Non-positive values
// are ignored.
func WithMaxSourceBytes(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxSourceBytes = n
		}
	}
}

// Chunker splits Python sources on top-level docstrings.
//
// Thread Safety: Safe for concurrent use. Each Split call creates its own
// tree-sitter parser.
type Chunker struct {
	maxSourceBytes int
}

// New creates a Chunker.
func New(opts ...Option) *Chunker {
	c := &Chunker{maxSourceBytes: DefaultMaxSourceBytes}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Split splits code into ordered chunks.
//
// Description:
//
//	Code before the first docstring is discarded. Docstrings separated only
//	by whitespace or comments are merged into one chunk whose label joins
//	their texts with a newline. Labels carry the decoded string value, so
//	"A" "B" is the docstring AB and "\t" is a tab. Strings that are
//	assigned, called, parenthesized or otherwise part of an expression are
//	not docstrings. A source with no docstrings yields no chunks.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - code: Python source.
//
// Outputs:
//   - []datatypes.ProgramChunk: Chunks in source order.
//   - error: ErrSyntax (as *SyntaxError), ErrSourceTooLarge, ErrInvalidSource,
//     or a context error.
func (c *Chunker) Split(ctx context.Context, code string) ([]datatypes.ProgramChunk, error) {
	if len(code) > c.maxSourceBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrSourceTooLarge, len(code), c.maxSourceBytes)
	}
	if !utf8.ValidString(code) {
		return nil, ErrInvalidSource
	}

	content := []byte(code)
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, &SyntaxError{Line: 1, Column: 0}
	}
	if root.HasError() {
		return nil, locateError(root, content)
	}

	docs := docstringSpans(root, content)
	if len(docs) == 0 {
		return nil, nil
	}
	docs = mergeAdjacent(docs, root)

	chunks := make([]datatypes.ProgramChunk, 0, len(docs))
	for i, d := range docs {
		end := uint32(len(content))
		if i+1 < len(docs) {
			end = docs[i+1].start
		}
		chunks = append(chunks, datatypes.ProgramChunk{
			Label:     strings.Join(d.labels, "\n"),
			Docstring: strings.Join(d.literals, "\n"),
			Code:      trimCode(string(content[d.end:end])),
		})
	}
	return chunks, nil
}

// Split is a convenience wrapper around a default Chunker.
func Split(code string) ([]datatypes.ProgramChunk, error) {
	return New().Split(context.Background(), code)
}

// docSpan is one docstring statement, or a run of merged ones. first and
// last are the root child indices of its outermost statements.
type docSpan struct {
	start    uint32
	end      uint32
	first    int
	last     int
	labels   []string
	literals []string
}

func docstringSpans(root *sitter.Node, content []byte) []docSpan {
	var spans []docSpan
	for i := 0; i < int(root.NamedChildCount()); i++ {
		stmt := root.NamedChild(i)
		if stmt.Type() != "expression_statement" || stmt.NamedChildCount() != 1 {
			continue
		}
		lit := stmt.NamedChild(0)
		label, ok := literalText(lit, content)
		if !ok {
			continue
		}
		spans = append(spans, docSpan{
			start:    stmt.StartByte(),
			end:      stmt.EndByte(),
			first:    i,
			last:     i,
			labels:   []string{label},
			literals: []string{lit.Content(content)},
		})
	}
	return spans
}

// literalText returns the value of a plain or implicitly concatenated
// string literal. Concatenations with a byte or f-string part are rejected.
func literalText(lit *sitter.Node, content []byte) (string, bool) {
	switch lit.Type() {
	case "string":
		return docstringText(lit.Content(content))
	case "concatenated_string":
		var b strings.Builder
		for j := 0; j < int(lit.NamedChildCount()); j++ {
			part := lit.NamedChild(j)
			if part.Type() == "comment" {
				continue
			}
			if part.Type() != "string" {
				return "", false
			}
			text, ok := docstringText(part.Content(content))
			if !ok {
				return "", false
			}
			b.WriteString(text)
		}
		return b.String(), true
	}
	return "", false
}

// mergeAdjacent folds docstrings separated only by whitespace and comments
// into a single span. Comments between merged docstrings are dropped.
func mergeAdjacent(spans []docSpan, root *sitter.Node) []docSpan {
	merged := []docSpan{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if onlyComments(root, last.last+1, s.first) {
			last.end = s.end
			last.last = s.last
			last.labels = append(last.labels, s.labels...)
			last.literals = append(last.literals, s.literals...)
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// onlyComments reports whether every root child in [from, to) is a comment.
func onlyComments(root *sitter.Node, from, to int) bool {
	for i := from; i < to; i++ {
		if root.NamedChild(i).Type() != "comment" {
			return false
		}
	}
	return true
}

// docstringText strips the prefix and quotes from a string literal and
// decodes its escape sequences unless the literal is raw. Byte and
// f-strings are not docstrings.
func docstringText(raw string) (string, bool) {
	i := 0
	isRaw := false
	for i < len(raw) && raw[i] != '"' && raw[i] != '\'' {
		switch raw[i] {
		case 'b', 'B', 'f', 'F':
			return "", false
		case 'r', 'R':
			isRaw = true
		}
		i++
	}
	body := raw[i:]
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if len(body) >= 2*len(q) && strings.HasPrefix(body, q) && strings.HasSuffix(body, q) {
			text := body[len(q) : len(body)-len(q)]
			if !isRaw {
				text = unescape(text)
			}
			return text, true
		}
	}
	return "", false
}

// unescape decodes the backslash escapes of a non-raw string body.
// Unrecognised escapes, \N{name} and malformed hex escapes are kept as
// written.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch e := s[i]; e {
		case '\n':
			// line continuation
		case '\r':
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
		case '\\', '\'', '"':
			b.WriteByte(e)
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'v':
			b.WriteByte('\v')
		case 'x', 'u', 'U':
			n := map[byte]int{'x': 2, 'u': 4, 'U': 8}[e]
			if r, ok := hexRune(s[i+1:], n); ok {
				b.WriteRune(r)
				i += n
				continue
			}
			b.WriteByte('\\')
			b.WriteByte(e)
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i + 1
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			v, _ := strconv.ParseUint(s[i:j], 8, 32)
			b.WriteRune(rune(v))
			i = j - 1
		default:
			b.WriteByte('\\')
			b.WriteByte(e)
		}
	}
	return b.String()
}

func hexRune(s string, n int) (rune, bool) {
	if len(s) < n {
		return 0, false
	}
	v, err := strconv.ParseUint(s[:n], 16, 32)
	if err != nil || v > utf8.MaxRune {
		return 0, false
	}
	return rune(v), true
}

func trimCode(s string) string {
	s = strings.TrimLeft(s, "\r\n")
	return strings.TrimRight(s, " \t\r\n")
}

// locateError walks the tree depth-first for the first error or missing
// node.
func locateError(root *sitter.Node, content []byte) error {
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.IsError() || n.IsMissing() {
			near := n.Content(content)
			if len(near) > 40 {
				near = near[:40]
			}
			p := n.StartPoint()
			return &SyntaxError{Line: int(p.Row) + 1, Column: int(p.Column), Near: near}
		}
		for i := int(n.ChildCount()) - 1; i >= 0; i-- {
			if child := n.Child(i); child != nil && (child.HasError() || child.IsMissing()) {
				stack = append(stack, child)
			}
		}
	}
	p := root.StartPoint()
	return &SyntaxError{Line: int(p.Row) + 1, Column: int(p.Column)}
}
