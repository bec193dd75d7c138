package config

import (
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestSandboxLuaVM(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		errMsg string // empty when the code must run
	}{
		{name: "string library", code: `x = string.upper("sniper")`},
		{name: "table library", code: `t = {1, 2}; table.insert(t, 3)`},
		{name: "math library", code: `x = math.max(1, 2) * 1024`},
		{name: "basic functions", code: `x = tostring(tonumber("4")); for k, v in pairs({a=1}) do end`},

		{name: "os.execute", code: `os.execute("ls")`, errMsg: "attempt to index"},
		{name: "os.getenv", code: `x = os.getenv("HOME")`, errMsg: "attempt to index"},
		{name: "io.open", code: `f = io.open("/etc/passwd")`, errMsg: "attempt to index"},
		{name: "require", code: `m = require("socket")`, errMsg: "attempt to call"},
		{name: "dofile", code: `dofile("/tmp/x.lua")`, errMsg: "attempt to call"},
		{name: "loadfile", code: `f = loadfile("/tmp/x.lua")`, errMsg: "attempt to call"},
		{name: "load", code: `f = load("return 1")`, errMsg: "attempt to call"},
		{name: "loadstring", code: `f = loadstring("return 1")`, errMsg: "attempt to call"},
		{name: "package.loadlib", code: `package.loadlib("libc.so.6", "system")`, errMsg: "attempt to index"},
		{name: "module", code: `module("x")`, errMsg: "attempt to call"},
		{name: "debug", code: `debug.getinfo(1)`, errMsg: "attempt to index"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L := newSandboxedVM()
			defer L.Close()

			err := L.DoString(tt.code)
			if tt.errMsg == "" {
				if err != nil {
					t.Fatalf("DoString(%q) error = %v", tt.code, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("DoString(%q) succeeded, want error", tt.code)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("DoString(%q) error = %v, want substring %q", tt.code, err, tt.errMsg)
			}
		})
	}
}

func TestNewSandboxedVM(t *testing.T) {
	L := newSandboxedVM()
	defer L.Close()

	for _, name := range []string{"os", "io", "debug", "package"} {
		if got := L.GetGlobal(name); got.Type() != lua.LTNil {
			t.Errorf("global %s = %v, want nil", name, got.Type())
		}
	}
	for _, name := range []string{"string", "table", "math"} {
		if got := L.GetGlobal(name); got.Type() != lua.LTTable {
			t.Errorf("global %s = %v, want table", name, got.Type())
		}
	}
}
