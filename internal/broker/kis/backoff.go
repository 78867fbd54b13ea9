package kis

import (
	"math/rand"
	"time"
)

// backoffDelay returns min(base*2^(attempt-1), cap) plus uniform jitter.
func backoffDelay(attempt int, base, cap, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			delay = cap
			break
		}
	}
	if delay > cap {
		delay = cap
	}
	if jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(jitter)))
	}
	return delay
}
