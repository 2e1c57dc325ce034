package sessions

import (
	"sync"

	"github.com/nextlevelbuilder/ember/internal/config"
	"github.com/nextlevelbuilder/ember/internal/providers"
)

// Store hands out conversations keyed by session and applies the
// compaction policy. Conversations live in memory for the life of the
// process.
type Store struct {
	compact   config.AutoCompactConfig
	maxTokens int

	mu    sync.Mutex
	convs map[string]*Conversation
	locks map[string]*sync.Mutex
}

func NewStore(compact config.AutoCompactConfig, maxTokens int) *Store {
	return &Store{
		compact:   compact,
		maxTokens: maxTokens,
		convs:     make(map[string]*Conversation),
		locks:     make(map[string]*sync.Mutex),
	}
}

// GetOrCreate returns the conversation for a session key, creating an
// empty one on first use.
func (s *Store) GetOrCreate(sessionID string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[sessionID]
	if !ok {
		conv = &Conversation{}
		s.convs[sessionID] = conv
	}
	return conv
}

// Lock returns the mutex serializing agent runs for a session. Callers
// hold it for the duration of a run so turns from concurrent messages
// never interleave.
func (s *Store) Lock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// ShouldCompact reports whether a conversation crossed the size
// threshold. The character count over max(2000, maxTokens*8) stands in
// for token pressure without a tokenizer dependency.
func (s *Store) ShouldCompact(conv *Conversation) bool {
	if !s.compact.Enabled {
		return false
	}
	maxChars := 2000
	if est := s.maxTokens * 8; est > maxChars {
		maxChars = est
	}
	return float64(conv.contentChars())/float64(maxChars) >= s.compact.Threshold
}

// CompactMessages trims the conversation to its recent tail and returns
// the removed prefix for summarization. Returns nil when the history is
// already within the preserve count.
func (s *Store) CompactMessages(conv *Conversation) []providers.Message {
	keep := s.compact.PreserveCount
	if keep < 1 {
		keep = 1
	}
	if len(conv.Messages) <= keep {
		return nil
	}

	cut := len(conv.Messages) - keep
	old := conv.Messages[:cut]
	tail := make([]providers.Message, keep)
	copy(tail, conv.Messages[cut:])
	conv.Messages = tail
	return old
}
