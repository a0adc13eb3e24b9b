package smc

import "math/rand/v2"

// Independent random streams per particle and purpose. A particle's draws
// depend only on (seed, t, round, index, stream), never on scheduling. round
// counts earlier commits at the same t, so a same-step batch draws fresh
// uniforms.
const (
	streamInit uint64 = iota + 1
	streamExtend
	streamRejuvenate
	streamResample
	streamResize
)

func particleRNG(seed uint64, t, round, index int, stream uint64) *rand.Rand {
	hi := splitmix(seed ^ splitmix(uint64(t)+1) ^ uint64(round)*0x632be59bd9b4e019)
	lo := splitmix(splitmix(uint64(index)+1) ^ stream<<56)
	return rand.New(rand.NewPCG(hi, lo))
}

func splitmix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
