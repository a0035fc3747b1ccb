package bizconfig

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotkeeper/libs/db"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/outbox"
)

// Postgres stores documents as JSONB in business_configs. Every Put emits a config-updated event
// through the outbox in the same transaction.
type Postgres struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewPostgres(pool *db.Pool, events *outbox.Repository) *Postgres {
	return &Postgres{pool: pool, outbox: events}
}

func (p *Postgres) Document(ctx context.Context, businessID string) (Document, error) {
	var (
		raw     []byte
		version int64
	)
	err := p.pool.Conn(ctx).QueryRow(ctx, `
		SELECT document, version
		FROM business_configs
		WHERE business_id = $1
	`, businessID).Scan(&raw, &version)
	if db.IsNotFound(err) {
		return Document{}, model.ErrBusinessNotFound
	}
	if err != nil {
		return Document{}, classify(err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, err
	}
	doc.BusinessID = businessID
	doc.Version = version
	return doc, nil
}

func (p *Postgres) Businesses(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Conn(ctx).Query(ctx, `SELECT business_id FROM business_configs ORDER BY business_id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Put upserts doc and returns it with the stored version.
func (p *Postgres) Put(ctx context.Context, doc Document) (Document, error) {
	doc.BusinessID = strings.TrimSpace(doc.BusinessID)
	if doc.BusinessID == "" {
		return Document{}, errors.New("business id is required")
	}
	doc.Version = 0
	raw, err := json.Marshal(doc)
	if err != nil {
		return Document{}, err
	}
	err = p.pool.WithTx(ctx, func(ctx context.Context) error {
		if err := p.pool.Conn(ctx).QueryRow(ctx, `
			INSERT INTO business_configs (business_id, document)
			VALUES ($1, $2)
			ON CONFLICT (business_id) DO UPDATE
			SET document = EXCLUDED.document,
				version = business_configs.version + 1,
				updated_at = now()
			RETURNING version
		`, doc.BusinessID, raw).Scan(&doc.Version); err != nil {
			return err
		}
		evt, err := outbox.NewEvent("business", doc.BusinessID, outbox.EventConfigUpdated, map[string]any{
			"business_id": doc.BusinessID,
			"version":     doc.Version,
		}, time.Now())
		if err != nil {
			return err
		}
		return p.outbox.Insert(ctx, evt)
	})
	if err != nil {
		return Document{}, classify(err)
	}
	return doc, nil
}

func classify(err error) error {
	if db.IsUnavailable(err) {
		return errors.Join(model.ErrStorageUnavailable, err)
	}
	return err
}
