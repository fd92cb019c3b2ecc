package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// ExtAllowlist is the compiled form of a tenant's ext entries. Matching is
// O(1): exact "svc:type" set, per-svc wildcard set, global wildcard flag.
type ExtAllowlist struct {
	exact    map[string]struct{} // "svc:type"
	svcWild  map[string]struct{} // "svc" with "svc:*"
	allowAll bool
	empty    bool
}

// CompileExt parses entries of the form "svc:type", "svc:*" or "*".
// Malformed entries are a startup error, never a silent allow.
func CompileExt(entries []string) (*ExtAllowlist, error) {
	al := &ExtAllowlist{
		exact:   make(map[string]struct{}),
		svcWild: make(map[string]struct{}),
		empty:   len(entries) == 0,
	}
	for _, e := range entries {
		if e == "*" {
			al.allowAll = true
			continue
		}
		svc, typ, ok := strings.Cut(e, ":")
		if !ok || svc == "" || typ == "" {
			return nil, fmt.Errorf("malformed ext allowlist entry %q (want svc:type, svc:* or *)", e)
		}
		if typ == "*" {
			al.svcWild[svc] = struct{}{}
			continue
		}
		al.exact[e] = struct{}{}
	}
	return al, nil
}

// Empty reports whether the tenant configured no ext entries at all.
// An empty list is a strict deny, distinct from a miss.
func (al *ExtAllowlist) Empty() bool { return al.empty }

func (al *ExtAllowlist) Allows(svc, typ string) bool {
	if al.allowAll {
		return true
	}
	if _, ok := al.svcWild[svc]; ok {
		return true
	}
	_, ok := al.exact[svc+":"+typ]
	return ok
}

// HotAllowlist mirrors ExtAllowlist for the binary lane, keyed on numeric
// (svc_id, opcode) pairs.
type HotAllowlist struct {
	exact    map[uint16]struct{} // svc_id<<8 | opcode
	svcWild  map[uint8]struct{}
	allowAll bool
	empty    bool
}

// CompileHot parses entries of the form "svcID:opcode", "svcID:*" or "*",
// with both numbers in u8 range.
func CompileHot(entries []string) (*HotAllowlist, error) {
	al := &HotAllowlist{
		exact:   make(map[uint16]struct{}),
		svcWild: make(map[uint8]struct{}),
		empty:   len(entries) == 0,
	}
	for _, e := range entries {
		if e == "*" {
			al.allowAll = true
			continue
		}
		svcPart, opPart, ok := strings.Cut(e, ":")
		if !ok {
			return nil, fmt.Errorf("malformed hot allowlist entry %q (want svcID:opcode, svcID:* or *)", e)
		}
		svc, err := strconv.ParseUint(svcPart, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("hot allowlist entry %q: svc_id not a u8", e)
		}
		if opPart == "*" {
			al.svcWild[uint8(svc)] = struct{}{}
			continue
		}
		op, err := strconv.ParseUint(opPart, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("hot allowlist entry %q: opcode not a u8", e)
		}
		al.exact[uint16(svc)<<8|uint16(op)] = struct{}{}
	}
	return al, nil
}

func (al *HotAllowlist) Empty() bool { return al.empty }

func (al *HotAllowlist) Allows(svcID, opcode uint8) bool {
	if al.allowAll {
		return true
	}
	if _, ok := al.svcWild[svcID]; ok {
		return true
	}
	_, ok := al.exact[uint16(svcID)<<8|uint16(opcode)]
	return ok
}
