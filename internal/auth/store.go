package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresClientStore struct {
	Pool Querier
}

func (s *PostgresClientStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	if s.Pool == nil {
		return nil, errors.New("missing pool")
	}

	var c Client
	err := s.Pool.QueryRow(ctx, `SELECT client_id, secret_hash, scopes FROM oauth_clients WHERE client_id = $1`, clientID).
		Scan(&c.ID, &c.SecretHash, &c.Scopes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	return &c, nil
}

// StaticClientStore serves clients declared in configuration.
type StaticClientStore map[string]*Client

// ParseStaticClients reads "id|bcrypt-hash|scope scope;..." entries.
func ParseStaticClients(raw string) (StaticClientStore, error) {
	store := StaticClientStore{}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid client entry %q", entry)
		}
		store[parts[0]] = &Client{ID: parts[0], SecretHash: parts[1], Scopes: strings.Fields(parts[2])}
	}
	return store, nil
}

func (s StaticClientStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	c, ok := s[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c, nil
}
