package keyspace

import (
	"encoding/binary"
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenario(mapping Mapping) Scenario {
	return Scenario{
		Prefix:   "bench/mt",
		Tenants:  2,
		Regions:  2,
		Services: 2,
		Shards:   2,
		Mapping:  mapping,
	}
}

func TestMDimCoversFullKeyspace(t *testing.T) {
	s := scenario(MappingMDim)
	require.Equal(t, 16, s.Cardinality())

	keys := make(map[string]struct{})
	for i := 0; i < 16; i++ {
		keys[s.Key(i)] = struct{}{}
	}
	assert.Len(t, keys, 16, "16 clients under mdim must hit 16 distinct keys")
}

func TestMDimDecomposition(t *testing.T) {
	s := scenario(MappingMDim)
	assert.Equal(t, "bench/mt/t0/r0/svc0/k0", s.Key(0))
	assert.Equal(t, "bench/mt/t1/r0/svc0/k0", s.Key(1))
	assert.Equal(t, "bench/mt/t0/r1/svc0/k0", s.Key(2))
	assert.Equal(t, "bench/mt/t0/r0/svc1/k0", s.Key(4))
	assert.Equal(t, "bench/mt/t0/r0/svc0/k1", s.Key(8))
	assert.Equal(t, "bench/mt/t1/r1/svc1/k1", s.Key(15))
}

func TestHashMappingIsDeterministic(t *testing.T) {
	s := scenario(MappingHash)
	for i := 0; i < 32; i++ {
		assert.Equal(t, s.Key(i), s.Key(i))
	}
}

func TestHashMappingStaysInKeyspace(t *testing.T) {
	s := scenario(MappingHash)
	valid := make(map[string]struct{})
	mdim := scenario(MappingMDim)
	for i := 0; i < 16; i++ {
		valid[mdim.Key(i)] = struct{}{}
	}
	for i := 0; i < 100; i++ {
		_, ok := valid[s.Key(i)]
		assert.True(t, ok, "hash-mapped key %q must be inside the mdim keyspace", s.Key(i))
	}
}

func TestFNV1a32MatchesReference(t *testing.T) {
	for _, i := range []uint32{0, 1, 7, 255, 1 << 20} {
		h := fnv.New32a()
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], i)
		h.Write(b[:])
		assert.Equal(t, h.Sum32(), FNV1a32(i))
	}
	assert.NotEqual(t, FNV1a32(1), FNV1a32(2))
}

func TestParseMapping(t *testing.T) {
	m, err := ParseMapping("mdim")
	require.NoError(t, err)
	assert.Equal(t, MappingMDim, m)

	m, err = ParseMapping("hash")
	require.NoError(t, err)
	assert.Equal(t, MappingHash, m)

	_, err = ParseMapping("random")
	assert.Error(t, err)
}

func TestValidateRejectsZeroDimensions(t *testing.T) {
	s := scenario(MappingMDim)
	s.Shards = 0
	assert.Error(t, s.Validate())
}
