// Package keyspace generates the multi-segment key layouts used by the
// multi-topic roles. A scenario spans four dimensions (tenants, regions,
// services, shards); each logical client index maps to one key either by
// multi-dimensional modulo decomposition or by an FNV-1a hash spread that
// covers the same keyspace cardinality pseudo-randomly but deterministically.
package keyspace

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// Mapping selects how a client index is decomposed into key coordinates.
type Mapping string

const (
	MappingMDim Mapping = "mdim"
	MappingHash Mapping = "hash"
)

// ParseMapping validates a CLI mapping token.
func ParseMapping(s string) (Mapping, error) {
	switch Mapping(s) {
	case MappingMDim, MappingHash:
		return Mapping(s), nil
	default:
		return "", fmt.Errorf("unknown mapping %q (want mdim or hash)", s)
	}
}

// Scenario describes one multi-topic key layout.
type Scenario struct {
	Prefix   string
	Tenants  int
	Regions  int
	Services int
	Shards   int
	Mapping  Mapping
}

// Validate rejects non-positive dimensions.
func (s Scenario) Validate() error {
	if s.Tenants < 1 || s.Regions < 1 || s.Services < 1 || s.Shards < 1 {
		return fmt.Errorf("all keyspace dimensions must be >= 1, got t=%d r=%d s=%d k=%d",
			s.Tenants, s.Regions, s.Services, s.Shards)
	}
	if s.Mapping != MappingMDim && s.Mapping != MappingHash {
		return fmt.Errorf("unknown mapping %q", s.Mapping)
	}
	return nil
}

// Cardinality is the total number of distinct keys the scenario can produce.
func (s Scenario) Cardinality() int {
	return s.Tenants * s.Regions * s.Services * s.Shards
}

// Key maps logical client index i to its key. Under mdim the index itself is
// decomposed; under hash the FNV-1a image of the index is decomposed, which
// spreads adjacent clients across the keyspace while remaining deterministic.
func (s Scenario) Key(i int) string {
	v := uint32(i)
	if s.Mapping == MappingHash {
		v = FNV1a32(uint32(i))
	}
	t := int(v) % s.Tenants
	r := (int(v) / s.Tenants) % s.Regions
	sv := (int(v) / (s.Tenants * s.Regions)) % s.Services
	k := (int(v) / (s.Tenants * s.Regions * s.Services)) % s.Shards
	return fmt.Sprintf("%s/t%d/r%d/svc%d/k%d", s.Prefix, t, r, sv, k)
}

// FNV1a32 hashes the little-endian bytes of i with 32-bit FNV-1a.
func FNV1a32(i uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], i)
	h := fnv.New32a()
	h.Write(b[:])
	return h.Sum32()
}
