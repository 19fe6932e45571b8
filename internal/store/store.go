package store

import "github.com/jackc/pgx/v5/pgxpool"

type Store struct {
	Webhooks   *WebhookStore
	Deliveries *DeliveryStore
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Webhooks:   &WebhookStore{pool: pool},
		Deliveries: &DeliveryStore{pool: pool},
	}
}
