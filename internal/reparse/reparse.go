// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package reparse compiles and evaluates derived-pathpoint expressions
// (spec §3 "reparse mini-language"). It is the evaluator contract the core
// asks for: eval(expr, values) -> value|error, grounded on the same
// expr-lang/expr compile-once/run-many pattern as the teacher's
// internal/tagger job classification rules. It deliberately knows nothing
// about the pathpoint package's Value type to avoid an import cycle (the
// pathpoint store is reparse's caller); callers translate to and from the
// primitive Go types Eval accepts and returns.
package reparse

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Input is one named constituent fed into an expression's environment.
// Value must be a bool, float64, or string.
type Input struct {
	Name  string
	Value any
}

var (
	programCacheMu sync.Mutex
	programCache   *lru.Cache[string, *vm.Program]
)

func init() {
	c, err := lru.New[string, *vm.Program](256)
	if err != nil {
		panic(err) // fixed positive size, cannot fail
	}
	programCache = c
}

func compile(expression string) (*vm.Program, error) {
	programCacheMu.Lock()
	if p, ok := programCache.Get(expression); ok {
		programCacheMu.Unlock()
		return p, nil
	}
	programCacheMu.Unlock()

	p, err := expr.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("reparse: compile %q: %w", expression, err)
	}

	programCacheMu.Lock()
	programCache.Add(expression, p)
	programCacheMu.Unlock()
	return p, nil
}

// Eval resolves a derived pathpoint's expression against its constituents'
// latest values, returning a bool, float64, or string.
func Eval(expression string, inputs []Input) (any, error) {
	program, err := compile(expression)
	if err != nil {
		return nil, err
	}

	env := make(map[string]any, len(inputs))
	for _, in := range inputs {
		switch in.Value.(type) {
		case bool, float64, string:
			env[in.Name] = in.Value
		default:
			return nil, fmt.Errorf("reparse: constituent %q has unsupported type %T", in.Name, in.Value)
		}
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("reparse: run %q: %w", expression, err)
	}

	switch v := out.(type) {
	case bool, string:
		return v, nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return nil, fmt.Errorf("reparse: %q produced unsupported type %T", expression, out)
	}
}
