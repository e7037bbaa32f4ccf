package cspz

import "time"

// randState implements the xoshiro256** generator. The monitor uses it to
// spread deliveries over CPU global queues without sharing math/rand state.
// It is not thread-safe; each owner keeps its own instance.
//
// See https://en.wikipedia.org/wiki/Xorshift#xoshiro256**.
type randState struct {
	state [4]uint64
}

func rol64(x uint64, k uint) uint64 { return (x << k) | (x >> (64 - k)) }

func (r *randState) init() {
	seed := uint64(time.Now().UnixNano())
	// splitmix64 expansion of the seed.
	for i := range r.state {
		seed += 0x9e3779b97f4a7c15
		z := seed
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		r.state[i] = z ^ (z >> 31)
	}
}

func (r *randState) next() uint64 {
	s := &r.state
	t := s[1] << 17
	ret := rol64(s[1]*5, 7) * 9

	s[2] ^= s[0]
	s[3] ^= s[1]
	s[1] ^= s[2]
	s[0] ^= s[3]

	s[2] ^= t
	s[3] = rol64(s[3], 45)
	return ret
}
