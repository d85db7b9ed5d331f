package dispatch

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenEstimator counts tokens with the cl100k_base encoding. Providers that
// report usage take precedence; this exists for the pre-dispatch size guard
// and for streams whose provider never reported usage. Loading the encoding
// can fail offline, in which case the estimator falls back to a bytes/4
// heuristic rather than refusing traffic.
type tokenEstimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (t *tokenEstimator) Count(text string) int {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err == nil {
			t.enc = enc
		}
	})

	if t.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}
