package firebase

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"
)

const pushChars = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

// PushIDGenerator creates chronologically ordered, collision resistant keys
// like the ones the database assigns to pushed children. Keys generated in
// the same millisecond still sort in generation order.
type PushIDGenerator struct {
	mu       sync.Mutex
	lastTime int64
	lastRand [12]int
	now      func() time.Time
}

// NewPushIDGenerator returns a generator using the wall clock.
func NewPushIDGenerator() *PushIDGenerator {
	return &PushIDGenerator{now: time.Now}
}

// Next returns a new 20 character key.
func (g *PushIDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UnixMilli()
	duplicate := now == g.lastTime
	g.lastTime = now

	var id [20]byte
	ts := now
	for i := 7; i >= 0; i-- {
		id[i] = pushChars[ts%64]
		ts /= 64
	}

	if !duplicate {
		for i := range g.lastRand {
			g.lastRand[i] = randIndex()
		}
	} else {
		// same millisecond: increment the random part so ordering holds
		i := 11
		for ; i >= 0 && g.lastRand[i] == 63; i-- {
			g.lastRand[i] = 0
		}
		if i >= 0 {
			g.lastRand[i]++
		}
	}
	for i, r := range g.lastRand {
		id[8+i] = pushChars[r]
	}
	return string(id[:])
}

func randIndex() int {
	n, err := rand.Int(rand.Reader, big.NewInt(64))
	if err != nil {
		return 0
	}
	return int(n.Int64())
}
