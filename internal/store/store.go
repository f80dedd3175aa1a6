package store

import "github.com/jackc/pgx/v5/pgxpool"

type Store struct {
	Webhooks   *WebhookStore
	Deliveries *DeliveryLogStore
}

// New builds the store. historyLimit bounds the delivery history kept
// per webhook; older entries are trimmed as new ones are recorded.
func New(pool *pgxpool.Pool, historyLimit int) *Store {
	return &Store{
		Webhooks:   &WebhookStore{pool: pool, historyLimit: historyLimit},
		Deliveries: &DeliveryLogStore{pool: pool},
	}
}
