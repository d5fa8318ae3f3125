// Package position provides source position tracking for tape programs,
// used to point diagnostics at the offending instruction.
package position

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Position represents a single point in source code
type Position struct {
	Filename string // Source file name
	Line     int    // 1-based line number
	Column   int    // 1-based column number
	Offset   int    // 0-based byte offset in source
}

// IsValid returns true if the position is valid
func (p Position) IsValid() bool {
	return p.Line > 0 && p.Column > 0 && p.Offset >= 0
}

// String returns a string representation of the position
func (p Position) String() string {
	if p.Filename != "" {
		return fmt.Sprintf("%s:%d:%d", filepath.Base(p.Filename), p.Line, p.Column)
	}
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Advance returns the position after consuming b.
func (p Position) Advance(b byte) Position {
	p.Offset++
	if b == '\n' {
		p.Line++
		p.Column = 1
	} else {
		p.Column++
	}
	return p
}

// Start returns the first position of the named file.
func Start(filename string) Position {
	return Position{Filename: filename, Line: 1, Column: 1}
}

// SourceFile represents a source file with content and position tracking
type SourceFile struct {
	Filename string   // File path
	Content  string   // Source code content
	Lines    []string // Lines of source code for efficient access
}

// NewSourceFile creates a new source file from content
func NewSourceFile(filename, content string) *SourceFile {
	return &SourceFile{
		Filename: filename,
		Content:  content,
		Lines:    strings.Split(content, "\n"),
	}
}

// GetLine returns the specified line (1-based) or empty string if invalid
func (sf *SourceFile) GetLine(lineNum int) string {
	if lineNum < 1 || lineNum > len(sf.Lines) {
		return ""
	}
	return sf.Lines[lineNum-1]
}

// Excerpt renders the line containing pos with a caret under the column.
func (sf *SourceFile) Excerpt(pos Position) string {
	if !pos.IsValid() {
		return ""
	}
	line := strings.TrimSuffix(sf.GetLine(pos.Line), "\r")
	if line == "" {
		return ""
	}
	pad := strings.Repeat(" ", min(pos.Column-1, len(line)))
	return line + "\n" + pad + "^"
}
