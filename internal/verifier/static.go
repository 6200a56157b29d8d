package verifier

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// StaticInspector serves token facts declared up front, for chains that are
// not backed by an RPC endpoint.
type StaticInspector struct {
	tokens map[common.Address]TokenMetadata
	mu     sync.RWMutex
}

// NewStaticInspector creates an empty inspector.
func NewStaticInspector() *StaticInspector {
	return &StaticInspector{tokens: make(map[common.Address]TokenMetadata)}
}

// Register declares a deployed token.
func (s *StaticInspector) Register(token common.Address, md TokenMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = md
}

func (s *StaticInspector) HasCode(ctx context.Context, token common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tokens[token]
	return ok, nil
}

func (s *StaticInspector) Metadata(ctx context.Context, token common.Address) (TokenMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.tokens[token]
	if !ok || md.Symbol == "" {
		return TokenMetadata{}, ErrMetadataMissing
	}
	return md, nil
}
