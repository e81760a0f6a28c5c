package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

var offlineOnce sync.Once

// TiktokenLoader returns a Loader for the named tiktoken encoding.
// With offline set, the vocabulary is read from the embedded BPE files
// instead of being downloaded.
func TiktokenLoader(encoding string, offline bool) Loader {
	return func() (Encoder, error) {
		if offline {
			offlineOnce.Do(func() {
				tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
			})
		}
		enc, err := tiktoken.GetEncoding(encoding)
		if err != nil {
			return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
		}
		return enc, nil
	}
}
