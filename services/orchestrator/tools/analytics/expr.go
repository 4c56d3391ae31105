// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analytics

import (
	"fmt"
	"strconv"
	"unicode"
)

// =============================================================================
// Derived-Metric Expressions
// =============================================================================
//
// Derived metrics (shooting percentage, zone entry rate, ...) are arithmetic
// over base-column aggregates. The grammar is deliberately tiny:
//
//	expr   := term (('+' | '-') term)*
//	term   := factor (('*' | '/') factor)*
//	factor := number | identifier | '-' factor | '(' expr ')'
//
// Identifiers resolve against the variables map; an unknown identifier or a
// division by zero is an evaluation error, never a silent zero.

// evalExpr evaluates a derived-metric expression against bound variables.
//
// Outputs:
//
//	float64 - The computed value.
//	error   - Non-nil on parse failure, unknown identifier, or division by
//	          zero.
func evalExpr(expr string, vars map[string]float64) (float64, error) {
	p := &exprParser{input: expr, vars: vars}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("unexpected %q at offset %d", p.input[p.pos:], p.pos)
	}
	return v, nil
}

type exprParser struct {
	input string
	pos   int
	vars  map[string]float64
}

func (p *exprParser) parseExpr() (float64, error) {
	v, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '+':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v += rhs
		case '-':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v -= rhs
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	v, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '*':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			v *= rhs
		case '/':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero at offset %d", p.pos)
			}
			v /= rhs
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	p.skipSpace()
	switch c := p.peek(); {
	case c == '-':
		p.pos++
		v, err := p.parseFactor()
		return -v, err
	case c == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing ')' at offset %d", p.pos)
		}
		p.pos++
		return v, nil
	case c >= '0' && c <= '9' || c == '.':
		return p.parseNumber()
	case unicode.IsLetter(rune(c)) || c == '_':
		return p.parseIdentifier()
	default:
		return 0, fmt.Errorf("unexpected character %q at offset %d", c, p.pos)
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			p.pos++
			continue
		}
		break
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return v, nil
}

func (p *exprParser) parseIdentifier() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := rune(p.input[p.pos])
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' {
			p.pos++
			continue
		}
		break
	}
	name := p.input[start:p.pos]
	v, ok := p.vars[name]
	if !ok {
		return 0, fmt.Errorf("unknown identifier %q", name)
	}
	return v, nil
}

func (p *exprParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

// exprIdentifiers lists the identifiers an expression references, for
// building the aggregate select list.
func exprIdentifiers(expr string) []string {
	var out []string
	seen := map[string]bool{}
	i := 0
	for i < len(expr) {
		c := rune(expr[i])
		if unicode.IsLetter(c) || c == '_' {
			start := i
			for i < len(expr) {
				c := rune(expr[i])
				if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' {
					i++
					continue
				}
				break
			}
			name := expr[start:i]
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
			continue
		}
		i++
	}
	return out
}
