// Package costs defines the cost oracle boundary spec.md §1/§4.D allows the
// core to depend on — cost(project, run) -> (project_total, run_total) —
// plus a default in-process implementation that rolls up the chat-audit
// token columns. Pricing tables themselves stay out of scope per spec.md §1;
// TokenOracle's flat per-1K-token rate exists so the engine is runnable
// standalone, not as a substitute for a real pricing table.
package costs

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/untoldecay/kiln/internal/store"
)

// Cost is the (project_total, run_total) pair the oracle returns.
type Cost struct {
	Project float64
	Run     float64
}

// Oracle is the interface the core consumes and nothing more (spec.md §1).
type Oracle interface {
	Cost(ctx context.Context, project, run string) (Cost, error)
}

// TokenOracle sums the messages table's token columns (joined through
// chats for project/run scoping), priced at a flat rate per 1000 tokens.
type TokenOracle struct {
	db            *sql.DB
	ratePerKToken float64
}

// NewTokenOracle builds a TokenOracle over s's underlying database.
func NewTokenOracle(s *store.Store, ratePerKToken float64) *TokenOracle {
	return &TokenOracle{db: s.UnderlyingDB(), ratePerKToken: ratePerKToken}
}

// Cost implements Oracle.
func (o *TokenOracle) Cost(ctx context.Context, project, run string) (Cost, error) {
	projectTokens, err := o.sumTokens(ctx, "c.project = ?", project)
	if err != nil {
		return Cost{}, fmt.Errorf("costs: project rollup: %w", err)
	}
	runTokens, err := o.sumTokens(ctx, "c.project = ? AND c.run_id = ?", project, run)
	if err != nil {
		return Cost{}, fmt.Errorf("costs: run rollup: %w", err)
	}
	return Cost{
		Project: projectTokens / 1000 * o.ratePerKToken,
		Run:     runTokens / 1000 * o.ratePerKToken,
	}, nil
}

func (o *TokenOracle) sumTokens(ctx context.Context, where string, args ...any) (float64, error) {
	query := `SELECT COALESCE(SUM(COALESCE(m.input_tokens, 0) + COALESCE(m.output_tokens, 0)
	            + COALESCE(m.cached_tokens, 0) + COALESCE(m.cache_creation_tokens, 0)), 0)
	          FROM messages m JOIN chats c ON c.id = m.chat_id
	          WHERE ` + where
	var total float64
	if err := o.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}
