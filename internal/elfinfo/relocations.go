package elfinfo

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Reloc is one decoded relocation entry: offset to patch, the symbol it
// refers to, any addend, and whether the symbol binding is weak
// (spec.md §4.6: unresolved weak symbols map to zero, unresolved strong
// symbols fail the operation). Type is always an R_X86_64_* constant —
// see the machine check in decodeRelaSection.
type Reloc struct {
	Offset  uint64
	SymName string
	Addend  int64
	Type    elf.R_X86_64
	Weak    bool
	IsCopy  bool
}

// DynRelocations decodes .rela.dyn (DYN relocations must be applied
// before PLT relocations per spec.md §4.6/§5).
func (i *Info) DynRelocations() ([]Reloc, error) {
	return i.decodeRelaSection(".rela.dyn")
}

// PltRelocations decodes .rela.plt.
func (i *Info) PltRelocations() ([]Reloc, error) {
	return i.decodeRelaSection(".rela.plt")
}

// decodeRelaSection reads an Elf64_Rela table. This format — a fixed
// 24-byte entry carrying its own addend — is specific to 64-bit
// relocation-with-addend ABIs; ia32 instead emits Elf32_Rel entries (8
// bytes, no addend field, addend implicit at the patched location) in
// .rel.dyn/.rel.plt, a distinct enough wire format that decoding it is
// not implemented here. arch's EM_386 table entry covers only jump
// encoding (identical rel32 JMP on both architectures); resolving an
// ia32 patch's PLT/DYN relocations is out of scope, so that path is
// rejected explicitly rather than silently misreading a REL table as
// RELA.
func (i *Info) decodeRelaSection(name string) ([]Reloc, error) {
	if i.File.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("elfinfo: relocation decoding is only implemented for EM_X86_64, got %s", i.File.Machine)
	}
	sec := i.File.Section(name)
	if sec == nil {
		return nil, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("elfinfo: read %s: %w", name, err)
	}

	dsyms, err := i.File.DynamicSymbols()
	if err != nil {
		return nil, fmt.Errorf("elfinfo: dynamic symbols: %w", err)
	}

	const entSize = 24 // Elf64_Rela: r_offset, r_info, r_addend, all 8 bytes
	if len(data)%entSize != 0 {
		return nil, fmt.Errorf("elfinfo: %s size %d not a multiple of %d", name, len(data), entSize)
	}

	out := make([]Reloc, 0, len(data)/entSize)
	for off := 0; off+entSize <= len(data); off += entSize {
		roffset := binary.LittleEndian.Uint64(data[off : off+8])
		rinfo := binary.LittleEndian.Uint64(data[off+8 : off+16])
		raddend := int64(binary.LittleEndian.Uint64(data[off+16 : off+24]))

		symIdx := rinfo >> 32
		rtype := elf.R_X86_64(rinfo & 0xffffffff)

		var symName string
		var weak bool
		// r_info's symbol index counts the reserved null symbol at raw
		// .dynsym index 0, but debug/elf's DynamicSymbols strips that
		// entry before returning — so raw index 1 is dsyms[0], and the
		// lookup needs the -1 shift.
		if symIdx != 0 && int(symIdx-1) < len(dsyms) {
			sym := dsyms[symIdx-1]
			symName = sym.Name
			weak = elf.ST_BIND(sym.Info) == elf.STB_WEAK
		}

		out = append(out, Reloc{
			Offset:  roffset,
			SymName: symName,
			Addend:  raddend,
			Type:    rtype,
			Weak:    weak,
			IsCopy:  rtype == elf.R_X86_64_COPY,
		})
	}
	return out, nil
}
