// Package errcode defines the stable error taxonomy shared by the parser,
// linter, planner, cache, and HTTP layer. Every user-visible failure carries
// one of these codes so clients can branch on behavior without string matching.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a stable error identifier. Codes are part of the public HTTP
// contract and must not be renamed.
type Code string

// The full taxonomy.
const (
	ReportNotFound        Code = "ReportNotFound"
	InvalidMetadataBlock  Code = "InvalidMetadataBlock"
	ForbiddenSqlConstruct Code = "ForbiddenSqlConstruct"
	InvalidPlaceholder    Code = "InvalidPlaceholder"
	IllegalScanPath       Code = "IllegalScanPath"
	UndeclaredName        Code = "UndeclaredName"
	ImportCycle           Code = "ImportCycle"
	DuplicateParamCasing  Code = "DuplicateParamCasing"
	BadParamType          Code = "BadParamType"
	BadScopeRouting       Code = "BadScopeRouting"
	BuildTimeout          Code = "BuildTimeout"
	SqlExecutionError     Code = "SqlExecutionError"
	EngineUnavailable     Code = "EngineUnavailable"
	CacheCorrupt          Code = "CacheCorrupt"
)

// Error is the carrier for coded failures. Report and Detail are optional.
type Error struct {
	Code    Code
	Message string
	Report  string // report id, when known
	Detail  string // offending block, line, or node name
}

func (e *Error) Error() string {
	switch {
	case e.Report != "" && e.Detail != "":
		return fmt.Sprintf("%s: %s (report %s, %s)", e.Code, e.Message, e.Report, e.Detail)
	case e.Report != "":
		return fmt.Sprintf("%s: %s (report %s)", e.Code, e.Message, e.Report)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithReport returns a copy annotated with the report id.
func (e *Error) WithReport(id string) *Error {
	c := *e
	c.Report = id
	return &c
}

// WithDetail returns a copy annotated with a detail string.
func (e *Error) WithDetail(format string, args ...any) *Error {
	c := *e
	c.Detail = fmt.Sprintf(format, args...)
	return &c
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the code from an error chain, or "" if uncoded.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
