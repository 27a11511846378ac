package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/zhouzirui/one-in-one/client/internal/api"
	"github.com/zhouzirui/one-in-one/client/internal/model/chat"
	"github.com/zhouzirui/one-in-one/client/internal/notify"
)

// SearchStatus is the state of the participant search.
type SearchStatus string

const (
	SearchIdle     SearchStatus = "idle"
	SearchPending  SearchStatus = "pending"
	SearchQuerying SearchStatus = "querying"
	SearchError    SearchStatus = "error"
)

const searchTimerKey = "search"

// SearchSnapshot is what the UI renders for the search box.
type SearchSnapshot struct {
	Query   string       `json:"query"`
	Status  SearchStatus `json:"status"`
	Results []chat.User  `json:"results"`
	Error   string       `json:"error,omitempty"`
}

type searchState struct {
	seq     uint64
	query   string
	status  SearchStatus
	results []chat.User
	err     string
	cancel  context.CancelFunc
}

// SearchUsers records a keystroke in the search box. Queries shorter than the
// minimum never reach the backend; longer ones are debounced and only the
// latest query's results are applied.
func (s *Service) SearchUsers(query string) {
	q := strings.TrimSpace(query)

	s.mu.Lock()
	s.search.seq++
	seq := s.search.seq
	if s.search.cancel != nil {
		s.search.cancel()
		s.search.cancel = nil
	}
	s.search.query = q
	s.search.err = ""

	if utf8.RuneCountInString(q) < s.opts.SearchMinChars {
		s.timers.Cancel(searchTimerKey)
		s.search.status = SearchIdle
		s.search.results = nil
		s.mu.Unlock()
		s.bus.Publish(notify.Change{Kind: notify.SearchChanged, Detail: string(SearchIdle)})
		return
	}
	s.search.status = SearchPending
	ctx := s.sessionCtx
	s.mu.Unlock()

	s.bus.Publish(notify.Change{Kind: notify.SearchChanged, Detail: string(SearchPending)})
	s.timers.Schedule(searchTimerKey, s.opts.SearchDebounce, func() { s.runSearch(ctx, seq, q) })
}

func (s *Service) runSearch(parent context.Context, seq uint64, q string) {
	s.mu.Lock()
	if seq != s.search.seq {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.search.cancel = cancel
	s.search.status = SearchQuerying
	s.mu.Unlock()
	s.bus.Publish(notify.Change{Kind: notify.SearchChanged, Detail: string(SearchQuerying)})

	users, err := s.backend.SearchUsers(ctx, q)
	cancel()

	s.mu.Lock()
	if seq != s.search.seq {
		s.mu.Unlock()
		s.log.Debug("discarding stale search results", "query", q)
		return
	}
	s.search.cancel = nil
	if err != nil {
		s.search.status = SearchError
		s.search.err = api.Message(err)
		s.search.results = nil
	} else {
		self := s.creds.UserID()
		s.search.status = SearchIdle
		s.search.results = lo.Filter(users, func(u chat.User, _ int) bool { return u.ID != self })
	}
	status := s.search.status
	s.mu.Unlock()

	s.bus.Publish(notify.Change{Kind: notify.SearchChanged, Detail: string(status)})
	if err != nil {
		s.log.Warn("user search failed", "query", q, "err", err)
		s.failed(err)
	}
}

// SearchState returns the current search snapshot.
func (s *Service) SearchState() SearchSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SearchSnapshot{
		Query:   s.search.query,
		Status:  s.search.status,
		Results: append([]chat.User{}, s.search.results...),
		Error:   s.search.err,
	}
}

// SearchResults returns the results of the latest completed query.
func (s *Service) SearchResults() []chat.User {
	return s.SearchState().Results
}
