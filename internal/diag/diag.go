package diag

import (
	"fmt"

	"github.com/dts-community/dts-dev-tools/internal/parser"
)

type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarning:
		return "WARNING"
	default:
		return "INFO"
	}
}

// Diagnostic codes. Callers may filter on these.
const (
	CodeSyntax                  = "syntax"
	CodePreprocessor            = "preprocessor"
	CodeIncludeNotFound         = "include-not-found"
	CodeIncludeCycle            = "include-cycle"
	CodeDuplicateLabel          = "duplicate-label"
	CodeUnresolvedReference     = "unresolved-reference"
	CodeUnresolvedNodeReference = "unresolved-node-reference"
	CodeRegOverlap              = "reg-overlap"
	CodeUnknownWidth            = "unknown-width"
	CodeSchema                  = "schema"
	CodeRead                    = "read"
)

type Diagnostic struct {
	Level   Level
	Code    string
	Message string
	File    string
	Range   parser.Range
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s:%d:%d: %s: %s", d.File, d.Range.Start.Line, d.Range.Start.Column, d.Level, d.Message)
}

// FromParser converts syntax errors reported by the parser.
func FromParser(file string, errs []parser.Error) []Diagnostic {
	out := make([]Diagnostic, 0, len(errs))
	for _, e := range errs {
		lvl := LevelError
		code := CodeSyntax
		if e.Ignored {
			lvl = LevelInfo
			code = CodePreprocessor
		}
		out = append(out, Diagnostic{Level: lvl, Code: code, Message: e.Message, File: file, Range: e.Range})
	}
	return out
}
