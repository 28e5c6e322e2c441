package patch

import (
	"bytes"
	"encoding/binary"
	"fmt"

	nsberrors "errors"
)

// DecodeVzpatch parses the length-prefixed vzpatch section payload
// described in spec.md §6. order is the target architecture's
// endianness (little-endian for every architecture in §4.1's scope).
func DecodeVzpatch(data []byte, order binary.ByteOrder) (*Info, error) {
	r := bytes.NewReader(data)

	archType, err := readString(r, order)
	if err != nil {
		return nil, fmt.Errorf("%w: patch_arch_type: %v", ErrMalformed, err)
	}
	targetBID, err := readString(r, order)
	if err != nil {
		return nil, fmt.Errorf("%w: target_bid: %v", ErrMalformed, err)
	}
	patchBID, err := readString(r, order)
	if err != nil {
		return nil, fmt.Errorf("%w: patch_bid: %v", ErrMalformed, err)
	}

	var njumps uint32
	if err := binary.Read(r, order, &njumps); err != nil {
		return nil, fmt.Errorf("%w: function jump count: %v", ErrMalformed, err)
	}
	jumps := make([]*FunctionJump, 0, njumps)
	for i := uint32(0); i < njumps; i++ {
		name, err := readString(r, order)
		if err != nil {
			return nil, fmt.Errorf("%w: jump[%d] name: %v", ErrMalformed, i, err)
		}
		fj := &FunctionJump{Name: name}
		if err := binary.Read(r, order, &fj.FuncValue); err != nil {
			return nil, fmt.Errorf("%w: jump[%d] func_value: %v", ErrMalformed, i, err)
		}
		if err := binary.Read(r, order, &fj.PatchValue); err != nil {
			return nil, fmt.Errorf("%w: jump[%d] patch_value: %v", ErrMalformed, i, err)
		}
		var sectionIndex uint32
		if err := binary.Read(r, order, &sectionIndex); err != nil {
			return nil, fmt.Errorf("%w: jump[%d] section_index: %v", ErrMalformed, i, err)
		}
		fj.SectionIndex = int(sectionIndex)
		jumps = append(jumps, fj)
	}

	var nfixups uint32
	if err := binary.Read(r, order, &nfixups); err != nil {
		return nil, fmt.Errorf("%w: static fixup count: %v", ErrMalformed, err)
	}
	fixups := make([]StaticFixup, 0, nfixups)
	for i := uint32(0); i < nfixups; i++ {
		var sf StaticFixup
		if err := binary.Read(r, order, &sf.PatchAddress); err != nil {
			return nil, fmt.Errorf("%w: fixup[%d] patch_address: %v", ErrMalformed, i, err)
		}
		if err := binary.Read(r, order, &sf.TargetValue); err != nil {
			return nil, fmt.Errorf("%w: fixup[%d] target_value: %v", ErrMalformed, i, err)
		}
		var size uint32
		if err := binary.Read(r, order, &size); err != nil {
			return nil, fmt.Errorf("%w: fixup[%d] patch_size: %v", ErrMalformed, i, err)
		}
		sf.PatchSize = int(size)
		if sf.PatchSize != 1 && sf.PatchSize != 2 && sf.PatchSize != 4 && sf.PatchSize != 8 {
			return nil, fmt.Errorf("%w: fixup[%d] invalid patch_size %d", ErrMalformed, i, sf.PatchSize)
		}
		fixups = append(fixups, sf)
	}

	return &Info{
		TargetBID:     targetBID,
		PatchBID:      patchBID,
		PatchArchType: archType,
		FuncJumps:     jumps,
		StaticFixups:  fixups,
	}, nil
}

// EncodeVzpatch is the symmetric encoder, used by tests to round-trip
// fixtures without depending on the (out-of-scope) patch-blob generator.
func EncodeVzpatch(info *Info, order binary.ByteOrder) []byte {
	var buf bytes.Buffer
	writeString(&buf, order, info.PatchArchType)
	writeString(&buf, order, info.TargetBID)
	writeString(&buf, order, info.PatchBID)

	binary.Write(&buf, order, uint32(len(info.FuncJumps)))
	for _, fj := range info.FuncJumps {
		writeString(&buf, order, fj.Name)
		binary.Write(&buf, order, fj.FuncValue)
		binary.Write(&buf, order, fj.PatchValue)
		binary.Write(&buf, order, uint32(fj.SectionIndex))
	}

	binary.Write(&buf, order, uint32(len(info.StaticFixups)))
	for _, sf := range info.StaticFixups {
		binary.Write(&buf, order, sf.PatchAddress)
		binary.Write(&buf, order, sf.TargetValue)
		binary.Write(&buf, order, uint32(sf.PatchSize))
	}
	return buf.Bytes()
}

func readString(r *bytes.Reader, order binary.ByteOrder) (string, error) {
	var n uint32
	if err := binary.Read(r, order, &n); err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", nsberrors.New("string length exceeds remaining buffer")
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeString(buf *bytes.Buffer, order binary.ByteOrder, s string) {
	binary.Write(buf, order, uint32(len(s)))
	buf.WriteString(s)
}
