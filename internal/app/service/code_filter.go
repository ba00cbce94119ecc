package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateCode returns a random short code of length n drawn from a
// 62-symbol alphabet using crypto/rand.
func GenerateCode(n int) (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		buf[i] = codeAlphabet[idx.Int64()]
	}
	return string(buf), nil
}

// CodeFilter remembers every issued short code in a bloom filter. A negative
// answer is definitive, so lookups of codes that were never issued skip the
// database entirely.
type CodeFilter struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewCodeFilter sizes the filter for n codes at false-positive rate fp.
func NewCodeFilter(n uint, fp float64) *CodeFilter {
	if n == 0 {
		n = 1_000_000
	}
	if fp <= 0 || fp >= 1 {
		fp = 0.001
	}
	return &CodeFilter{filter: bloom.NewWithEstimates(n, fp)}
}

// Warm loads existing codes through load.
func (f *CodeFilter) Warm(ctx context.Context, load func(context.Context) ([]string, error)) (int, error) {
	codes, err := load(ctx)
	if err != nil {
		return 0, fmt.Errorf("warm code filter: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, code := range codes {
		f.filter.AddString(code)
	}
	return len(codes), nil
}

func (f *CodeFilter) Add(code string) {
	f.mu.Lock()
	f.filter.AddString(code)
	f.mu.Unlock()
}

// MayContain reports false only when code was definitely never added.
func (f *CodeFilter) MayContain(code string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.TestString(code)
}
