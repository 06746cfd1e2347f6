// Package strategy provides the reference fuzzing strategies: byte-level
// mutators composed with a probe oracle that classifies hits. Each built
// strategy owns its mutation stream, so concurrent strategies never share
// random state.
package strategy

import (
	"hash/fnv"
	"math/rand"
)

// Inputs never grow past this, whatever the mutation sequence does.
const maxInputLen = 1 << 16

// Mutator derives a new input from a base. Implementations own their
// random state and are not safe for concurrent use; every strategy
// instance carries its own.
type Mutator interface {
	Name() string
	Mutate(base []byte) []byte
}

// MixSeed derives a per-strategy seed so strategies sharing one run seed
// still walk distinct mutation streams.
func MixSeed(seed int64, name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return seed ^ int64(h.Sum64())
}

// Bitflip flips a handful of random bits per mutation, the cheapest
// probe for brittle parsers.
type Bitflip struct {
	rng *rand.Rand
}

func NewBitflip(seed int64) *Bitflip {
	return &Bitflip{rng: rand.New(rand.NewSource(seed))}
}

func (m *Bitflip) Name() string { return "bitflip" }

func (m *Bitflip) Mutate(base []byte) []byte {
	out := append([]byte(nil), base...)
	if len(out) == 0 {
		return []byte{byte(m.rng.Intn(256))}
	}
	flips := 1 + m.rng.Intn(3)
	for i := 0; i < flips; i++ {
		pos := m.rng.Intn(len(out))
		out[pos] ^= 1 << uint(m.rng.Intn(8))
	}
	return out
}

var interestingBytes = []byte{0x00, 0x01, 0x7f, 0x80, 0xff, '\n', '"', '%'}

// Havoc applies a short burst of stacked byte operations: overwrite,
// insert, delete, duplicate a span, or plant an interesting value.
type Havoc struct {
	rng *rand.Rand
}

func NewHavoc(seed int64) *Havoc {
	return &Havoc{rng: rand.New(rand.NewSource(seed))}
}

func (m *Havoc) Name() string { return "havoc" }

func (m *Havoc) Mutate(base []byte) []byte {
	out := append([]byte(nil), base...)
	rounds := 1 + m.rng.Intn(8)
	for i := 0; i < rounds; i++ {
		switch m.rng.Intn(5) {
		case 0:
			if len(out) == 0 {
				out = append(out, byte(m.rng.Intn(256)))
				continue
			}
			out[m.rng.Intn(len(out))] = byte(m.rng.Intn(256))
		case 1:
			pos := 0
			if len(out) > 0 {
				pos = m.rng.Intn(len(out) + 1)
			}
			out = insertByte(out, pos, byte(m.rng.Intn(256)))
		case 2:
			if len(out) == 0 {
				continue
			}
			pos := m.rng.Intn(len(out))
			out = append(out[:pos], out[pos+1:]...)
		case 3:
			if len(out) == 0 {
				continue
			}
			start := m.rng.Intn(len(out))
			span := 1 + m.rng.Intn(min(len(out)-start, 16))
			dup := append([]byte(nil), out[start:start+span]...)
			out = insertBytes(out, start, dup)
		default:
			if len(out) == 0 {
				out = append(out, interestingBytes[m.rng.Intn(len(interestingBytes))])
				continue
			}
			out[m.rng.Intn(len(out))] = interestingBytes[m.rng.Intn(len(interestingBytes))]
		}
		if len(out) > maxInputLen {
			out = out[:maxInputLen]
		}
	}
	return out
}

// Dictionary splices known tokens into the base, either inserting or
// overwriting at a random offset. With no tokens it degrades to a single
// byte flip so the strategy stays productive.
type Dictionary struct {
	rng    *rand.Rand
	tokens [][]byte
}

func NewDictionary(seed int64, tokens []string) *Dictionary {
	d := &Dictionary{rng: rand.New(rand.NewSource(seed))}
	for _, token := range tokens {
		if token == "" {
			continue
		}
		d.tokens = append(d.tokens, []byte(token))
	}
	return d
}

func (m *Dictionary) Name() string { return "dictionary" }

func (m *Dictionary) Mutate(base []byte) []byte {
	out := append([]byte(nil), base...)
	if len(m.tokens) == 0 {
		if len(out) == 0 {
			return []byte{byte(m.rng.Intn(256))}
		}
		out[m.rng.Intn(len(out))] ^= 1 << uint(m.rng.Intn(8))
		return out
	}
	token := m.tokens[m.rng.Intn(len(m.tokens))]
	pos := 0
	if len(out) > 0 {
		pos = m.rng.Intn(len(out) + 1)
	}
	if m.rng.Intn(2) == 0 || pos+len(token) > len(out) {
		out = insertBytes(out, pos, token)
	} else {
		copy(out[pos:], token)
	}
	if len(out) > maxInputLen {
		out = out[:maxInputLen]
	}
	return out
}

func insertByte(data []byte, pos int, b byte) []byte {
	data = append(data, 0)
	copy(data[pos+1:], data[pos:])
	data[pos] = b
	return data
}

func insertBytes(data []byte, pos int, chunk []byte) []byte {
	out := make([]byte, 0, len(data)+len(chunk))
	out = append(out, data[:pos]...)
	out = append(out, chunk...)
	out = append(out, data[pos:]...)
	return out
}
