// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

// Core-dimension signature parser.
//
// A signature describes the sub-array ("core") dimensions each operand
// contributes to a generalized operation, e.g. "(i,j),(j,k)->(i,k)" for a
// matrix multiplication. A dimension is either a name (shared by identity
// across operands), a positive integer (a frozen size, shared by numeral), and
// may be suffixed with '?' to mark it ignorable: an operand may omit it
// entirely.

// coreDim is one entry of the dimension table of a parsed signature.
type coreDim struct {
	// name identifies the dimension: an identifier, or the numeral itself for
	// frozen dimensions.
	name string

	// frozen is the fixed size for numeral dimensions, 0 if the size is
	// inferred from the operands.
	frozen int

	// canIgnore marks '?' dimensions, which may be absent from operands.
	canIgnore bool
}

// coreSpec is the compiled form of a signature: a dimension table plus, for
// each operand (inputs first, then outputs), the indices of its core
// dimensions in that table.
type coreSpec struct {
	signature   string
	dims        []coreDim
	operandDims [][]int
}

// numCoreDims returns the number of core dimensions declared for an operand.
func (c *coreSpec) numCoreDims(opIdx int) int { return len(c.operandDims[opIdx]) }

// totalCoreDims is the flattened count over all operands.
func (c *coreSpec) totalCoreDims() int {
	total := 0
	for _, dims := range c.operandDims {
		total += len(dims)
	}
	return total
}

type sigParser struct {
	sig string
	pos int
}

func (p *sigParser) skipSpaces() {
	for p.pos < len(p.sig) && (p.sig[p.pos] == ' ' || p.sig[p.pos] == '\t') {
		p.pos++
	}
}

func (p *sigParser) peek() (byte, bool) {
	if p.pos >= len(p.sig) {
		return 0, false
	}
	return p.sig[p.pos], true
}

func (p *sigParser) expect(token string) error {
	p.skipSpaces()
	if p.pos+len(token) > len(p.sig) || p.sig[p.pos:p.pos+len(token)] != token {
		return signatureErrorf(p.sig, p.pos, "expected %q", token)
	}
	p.pos += len(token)
	return nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// parseSignature compiles a textual signature for an operation with the given
// arities. It returns nil (no core spec, a "plain" element-wise operation)
// when the signature declares no core dimension at all for any operand.
func parseSignature(sig string, nIn, nOut int) (*coreSpec, error) {
	p := &sigParser{sig: sig}
	spec := &coreSpec{
		signature:   sig,
		operandDims: make([][]int, 0, nIn+nOut),
	}
	dimIndex := make(map[string]int)

	for opIdx := range nIn + nOut {
		switch {
		case opIdx == nIn:
			if err := p.expect("->"); err != nil {
				return nil, err
			}
		case opIdx > 0:
			if err := p.expect(","); err != nil {
				return nil, err
			}
		}
		operand, err := p.parseOperand(spec, dimIndex)
		if err != nil {
			return nil, err
		}
		spec.operandDims = append(spec.operandDims, operand)
	}
	p.skipSpaces()
	if p.pos != len(p.sig) {
		return nil, signatureErrorf(sig, p.pos, "unexpected trailing characters")
	}
	if spec.totalCoreDims() == 0 {
		// Fully scalar signature: the operation degrades to a plain
		// element-wise one and the core machinery is disabled.
		return nil, nil
	}
	return spec, nil
}

// parseOperand parses one parenthesized dimension list, interning dimensions
// in the spec's table.
func (p *sigParser) parseOperand(spec *coreSpec, dimIndex map[string]int) ([]int, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	var operand []int
	for {
		p.skipSpaces()
		c, ok := p.peek()
		if !ok {
			return nil, signatureErrorf(p.sig, p.pos, "unexpected end of signature, expected ')'")
		}
		if c == ')' {
			if len(operand) > 0 {
				return nil, signatureErrorf(p.sig, p.pos, "expected a dimension name or size after ','")
			}
			p.pos++
			return operand, nil
		}
		dimIdx, err := p.parseDimension(spec, dimIndex)
		if err != nil {
			return nil, err
		}
		operand = append(operand, dimIdx)

		p.skipSpaces()
		c, ok = p.peek()
		if !ok {
			return nil, signatureErrorf(p.sig, p.pos, "unexpected end of signature, expected ',' or ')'")
		}
		switch c {
		case ',':
			p.pos++
		case ')':
			p.pos++
			return operand, nil
		default:
			return nil, signatureErrorf(p.sig, p.pos, "expected ',' or ')'")
		}
	}
}

// parseDimension parses a single dimension token (identifier or frozen size,
// optionally suffixed with '?') and returns its index in the dimension table.
func (p *sigParser) parseDimension(spec *coreSpec, dimIndex map[string]int) (int, error) {
	start := p.pos
	c, _ := p.peek()
	var name string
	frozen := 0
	switch {
	case isIdentStart(c):
		for p.pos < len(p.sig) && isIdentPart(p.sig[p.pos]) {
			p.pos++
		}
		name = p.sig[start:p.pos]
	case isDigit(c):
		for p.pos < len(p.sig) && isDigit(p.sig[p.pos]) {
			p.pos++
		}
		name = p.sig[start:p.pos]
		for _, digit := range name {
			frozen = frozen*10 + int(digit-'0')
		}
		if frozen <= 0 {
			return 0, signatureErrorf(p.sig, start, "frozen dimension size must be positive, got %q", name)
		}
	default:
		return 0, signatureErrorf(p.sig, p.pos, "expected a dimension name or size")
	}

	canIgnore := false
	if c, ok := p.peek(); ok && c == '?' {
		canIgnore = true
		p.pos++
	}

	if dimIdx, seen := dimIndex[name]; seen {
		if spec.dims[dimIdx].canIgnore != canIgnore {
			return 0, signatureErrorf(p.sig, start,
				"dimension %q previously used with a different '?' marking", name)
		}
		return dimIdx, nil
	}
	dimIdx := len(spec.dims)
	spec.dims = append(spec.dims, coreDim{name: name, frozen: frozen, canIgnore: canIgnore})
	dimIndex[name] = dimIdx
	return dimIdx, nil
}
