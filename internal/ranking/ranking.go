package ranking

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"economy-bot/internal/ledger"
	"economy-bot/internal/repo"
)

// Entry is one ranked account.
type Entry struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	Rank    int    `json:"rank"`
}

// Aggregate summarises every account holding a positive balance.
type Aggregate struct {
	Participants int   `json:"participants"`
	Total        int64 `json:"total"`
}

// Board is a published view: the top entries plus the aggregate, taken from one snapshot.
type Board struct {
	Entries     []Entry   `json:"entries"`
	Aggregate   Aggregate `json:"aggregate"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Snapshotter supplies a consistent read of all balances.
type Snapshotter interface {
	SnapshotAll(ctx context.Context) ([]repo.AccountBalance, error)
}

// Rank orders accounts with a positive balance by balance descending, breaking
// ties by user id. Equal balances share a rank and the next distinct balance
// takes the following rank.
func Rank(accounts []repo.AccountBalance) []Entry {
	entries := make([]Entry, 0, len(accounts))
	for _, acc := range accounts {
		if acc.Balance > 0 {
			entries = append(entries, Entry{UserID: acc.UserID, Balance: acc.Balance})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Balance != entries[j].Balance {
			return entries[i].Balance > entries[j].Balance
		}
		return entries[i].UserID < entries[j].UserID
	})

	rank := 0
	for i := range entries {
		if i == 0 || entries[i].Balance != entries[i-1].Balance {
			rank++
		}
		entries[i].Rank = rank
	}
	return entries
}

func aggregate(entries []Entry) Aggregate {
	agg := Aggregate{Participants: len(entries)}
	for _, e := range entries {
		agg.Total += e.Balance
	}
	return agg
}

// Engine answers ranking queries. Each call reads its own snapshot.
type Engine struct {
	store  Snapshotter
	logger *slog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(store Snapshotter, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger.With("component", "ranking")}
}

func (e *Engine) ranked(ctx context.Context) ([]Entry, error) {
	accounts, err := e.store.SnapshotAll(ctx)
	if err != nil {
		return nil, ledger.StorageError("snapshot accounts", err)
	}
	return Rank(accounts), nil
}

// TopN returns the first n ranked entries. A non-positive n returns all.
func (e *Engine) TopN(ctx context.Context, n int) ([]Entry, error) {
	entries, err := e.ranked(ctx)
	if err != nil {
		return nil, err
	}
	return head(entries, n), nil
}

// RankOf returns the entry for userID. ok is false when the user is unranked.
func (e *Engine) RankOf(ctx context.Context, userID string) (entry Entry, ok bool, err error) {
	entries, err := e.ranked(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	for _, en := range entries {
		if en.UserID == userID {
			return en, true, nil
		}
	}
	return Entry{UserID: userID}, false, nil
}

// Aggregate returns the participant count and total balance.
func (e *Engine) Aggregate(ctx context.Context) (Aggregate, error) {
	entries, err := e.ranked(ctx)
	if err != nil {
		return Aggregate{}, err
	}
	return aggregate(entries), nil
}

// Board builds the top n entries and the aggregate from one snapshot.
func (e *Engine) Board(ctx context.Context, n int) (*Board, error) {
	entries, err := e.ranked(ctx)
	if err != nil {
		return nil, err
	}
	return &Board{
		Entries:     head(entries, n),
		Aggregate:   aggregate(entries),
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func head(entries []Entry, n int) []Entry {
	if n > 0 && len(entries) > n {
		return entries[:n]
	}
	return entries
}
