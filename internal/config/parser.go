package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/ZebulonRouseFrantzich/rtup/internal/platform"
)

// Parser evaluates rtup.lua files.
type Parser struct {
	detector platform.Detector
}

// NewParser creates a parser that exposes detector's result to Lua as the
// platform table. A nil detector leaves the table undefined.
func NewParser(detector platform.Detector) *Parser {
	return &Parser{detector: detector}
}

// ParseFile evaluates the Lua file at path and returns the fields it set.
func (p *Parser) ParseFile(ctx context.Context, path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	values, err := p.ParseString(ctx, string(data))
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			parseErr.File = path
		}
		return nil, err
	}
	return values, nil
}

// ParseString evaluates luaCode and returns the fields of its global rtup
// table, keyed by field name. Fields left unset are absent from the map.
func (p *Parser) ParseString(ctx context.Context, luaCode string) (map[string]any, error) {
	L := newSandboxedVM()
	defer L.Close()
	L.SetContext(ctx)

	if p.detector != nil {
		info, err := p.detector.Detect(ctx)
		if err != nil {
			return nil, fmt.Errorf("platform detection failed: %w", err)
		}
		if err := platform.InjectPlatformTable(L, info); err != nil {
			return nil, fmt.Errorf("inject platform table: %w", err)
		}
	}

	if err := L.DoString(luaCode); err != nil {
		return nil, &ParseError{
			Message: "Lua error",
			Detail:  err.Error(),
		}
	}
	return extractValues(L)
}

// ParseError represents a config parsing error with a friendly message.
type ParseError struct {
	File    string
	Message string // User-friendly message
	Detail  string // Technical details (raw Lua error)
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: %s: %s", e.File, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Detail)
}

func extractValues(L *lua.LState) (map[string]any, error) {
	global := L.GetGlobal(luaGlobalRtup)
	if global.Type() == lua.LTNil {
		return map[string]any{}, nil
	}
	table, ok := global.(*lua.LTable)
	if !ok {
		return nil, &ParseError{
			Message: fmt.Sprintf("invalid '%s' table", luaGlobalRtup),
			Detail:  fmt.Sprintf("expected table, got %s", global.Type()),
		}
	}

	values := make(map[string]any)
	var problems []string
	table.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok {
			problems = append(problems, fmt.Sprintf("non-string key %s", k))
			return
		}
		kind, ok := schema[string(key)]
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown field %q", string(key)))
			return
		}
		value, err := convert(v, kind)
		if err != nil {
			problems = append(problems, fmt.Sprintf("field %q: %v", string(key), err))
			return
		}
		values[string(key)] = value
	})

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, &ParseError{
			Message: "invalid configuration",
			Detail:  strings.Join(problems, "; "),
		}
	}
	return values, nil
}

func convert(v lua.LValue, kind fieldKind) (any, error) {
	switch kind {
	case kindString:
		if s, ok := v.(lua.LString); ok {
			return string(s), nil
		}
	case kindBool:
		if b, ok := v.(lua.LBool); ok {
			return bool(b), nil
		}
	case kindInt, kindUint:
		n, ok := v.(lua.LNumber)
		if !ok {
			break
		}
		f := float64(n)
		if f != math.Trunc(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("expected %s, got %v", kind, f)
		}
		if kind == kindUint {
			if f < 0 {
				return nil, fmt.Errorf("expected %s, got %v", kind, f)
			}
			return uint64(f), nil
		}
		return int64(f), nil
	case kindStrings:
		t, ok := v.(*lua.LTable)
		if !ok {
			break
		}
		var out []string
		var bad bool
		t.ForEach(func(_, item lua.LValue) {
			s, ok := item.(lua.LString)
			if !ok {
				bad = true
				return
			}
			out = append(out, string(s))
		})
		if bad {
			return nil, fmt.Errorf("expected %s", kind)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected %s, got %s", kind, v.Type())
}

// FormatError formats a ParseError for user display. Unless verbose, the Lua
// stack traceback is dropped.
func FormatError(err error, verbose bool) string {
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		return err.Error()
	}
	if verbose {
		return fmt.Sprintf("%s\n\nDetails:\n%s", parseErr.Message, parseErr.Detail)
	}
	detail := parseErr.Detail
	if idx := strings.Index(detail, "stack traceback"); idx > 0 {
		detail = strings.TrimSpace(detail[:idx])
	}
	return fmt.Sprintf("%s: %s", parseErr.Message, detail)
}
