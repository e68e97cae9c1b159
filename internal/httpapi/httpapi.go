// Package httpapi exposes the exchange engine over HTTP: code redemption,
// the listing market, proposals, trades, and a small admin surface for
// issuing user API keys.
package httpapi

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"agentbox/internal/exchange"
)

type Deps struct {
	DB         *pgxpool.Pool
	Service    *exchange.Service
	Logger     zerolog.Logger
	Pepper     string
	AdminToken string

	RateLimitPerMinute int
}
