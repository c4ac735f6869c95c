// Package asm builds executable images for the simulated CPU. A Program
// collects instructions, labels and data definitions; Assemble lays them out
// in region 1 and resolves label references.
//
// Text starts at the first page of region 1; initialized data starts on the
// page following the text and the bss follows the data.
package asm

import (
	"fmt"

	"github.com/kazzmir/yalnix/abi"
	"github.com/kazzmir/yalnix/exe"
	"github.com/kazzmir/yalnix/machine"
)

// TextBase is the virtual address of the first instruction.
const TextBase = machine.VMem1Base

type section uint8

const (
	sectionText section = iota
	sectionData
	sectionBSS
)

type symbol struct {
	section section
	offset  uint32
}

// Program is an image under construction.
type Program struct {
	text    []machine.Instruction
	fixups  map[int]string
	data    []byte
	bssSize uint32
	symbols map[string]symbol
	entry   string
	err     error
}

// New returns an empty program whose entry point is the label "main".
func New() *Program {
	return &Program{
		fixups:  make(map[int]string),
		symbols: make(map[string]symbol),
		entry:   "main",
	}
}

// Entry selects the label execution starts at.
func (p *Program) Entry(label string) *Program {
	p.entry = label
	return p
}

func (p *Program) define(name string, s symbol) {
	if _, exists := p.symbols[name]; exists && p.err == nil {
		p.err = fmt.Errorf("asm: label %q defined twice", name)
	}
	p.symbols[name] = s
}

// Label marks the address of the next instruction.
func (p *Program) Label(name string) *Program {
	p.define(name, symbol{sectionText, uint32(len(p.text)) * machine.InstructionSize})
	return p
}

// Emit appends a raw instruction.
func (p *Program) Emit(in machine.Instruction) *Program {
	p.text = append(p.text, in)
	return p
}

func (p *Program) emitRef(in machine.Instruction, label string) *Program {
	p.fixups[len(p.text)] = label
	return p.Emit(in)
}

// CString defines a NUL-terminated string in the data section.
func (p *Program) CString(label, s string) *Program {
	p.define(label, symbol{sectionData, uint32(len(p.data))})
	p.data = append(p.data, s...)
	p.data = append(p.data, 0)
	p.align()
	return p
}

// Bytes defines raw bytes in the data section.
func (p *Program) Bytes(label string, b []byte) *Program {
	p.define(label, symbol{sectionData, uint32(len(p.data))})
	p.data = append(p.data, b...)
	p.align()
	return p
}

// Word defines a 32-bit little-endian word in the data section.
func (p *Program) Word(label string, v uint32) *Program {
	return p.Bytes(label, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// Space reserves n zeroed bytes in the bss.
func (p *Program) Space(label string, n uint32) *Program {
	p.define(label, symbol{sectionBSS, p.bssSize})
	p.bssSize += (n + abi.WordSize - 1) &^ (abi.WordSize - 1)
	return p
}

func (p *Program) align() {
	for len(p.data)%abi.WordSize != 0 {
		p.data = append(p.data, 0)
	}
}

// Assemble resolves labels and returns the finished image.
func (p *Program) Assemble() (*exe.Image, error) {
	if p.err != nil {
		return nil, p.err
	}

	textSize := uint32(len(p.text)) * machine.InstructionSize
	img := &exe.Image{
		TextAddr: TextBase,
		Text:     make([]byte, textSize),
		DataAddr: machine.PageUp(TextBase + textSize),
		Data:     append([]byte(nil), p.data...),
		BSSSize:  p.bssSize,
	}

	addr := func(name string) (uint32, error) {
		s, ok := p.symbols[name]
		if !ok {
			return 0, fmt.Errorf("asm: undefined label %q", name)
		}
		switch s.section {
		case sectionText:
			return img.TextAddr + s.offset, nil
		case sectionData:
			return img.DataAddr + s.offset, nil
		default:
			return img.DataAddr + uint32(len(img.Data)) + s.offset, nil
		}
	}

	var err error
	if img.Entry, err = addr(p.entry); err != nil {
		return nil, err
	}

	for i, in := range p.text {
		if label, ok := p.fixups[i]; ok {
			target, err := addr(label)
			if err != nil {
				return nil, err
			}
			in.Imm = int32(target)
		}
		in.Encode(img.Text[i*machine.InstructionSize:])
	}

	return img, nil
}

// MustAssemble is like Assemble but panics on error. It is intended for
// programs built into the binary.
func (p *Program) MustAssemble() *exe.Image {
	img, err := p.Assemble()
	if err != nil {
		panic(err)
	}
	return img
}
