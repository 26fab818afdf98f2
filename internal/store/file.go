package store

import (
	"context"
	"errors"
	"time"

	"alertmonitor/internal/localstore"
	"alertmonitor/internal/models"
)

// FileBackend keeps all alerts in one local document. Mutations are
// read-modify-write over the whole document; the store's version counter
// catches a concurrent writer, in which case the mutation is retried once
// against the fresh document.
type FileBackend struct {
	doc *localstore.Store
}

func NewFileBackend(doc *localstore.Store) *FileBackend {
	return &FileBackend{doc: doc}
}

func (b *FileBackend) GetAll(_ context.Context) ([]*models.Alert, error) {
	document, err := b.doc.Load()
	if err != nil {
		return nil, err
	}
	return document.Alerts, nil
}

func (b *FileBackend) GetActive(ctx context.Context) ([]*models.Alert, error) {
	alerts, err := b.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.Alert
	for _, a := range alerts {
		if a.Status == models.StatusActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (b *FileBackend) GetForCoin(ctx context.Context, coin string) ([]*models.Alert, error) {
	alerts, err := b.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.Alert
	for _, a := range alerts {
		if a.Coin == coin {
			out = append(out, a)
		}
	}
	return out, nil
}

func (b *FileBackend) Get(_ context.Context, id string) (*models.Alert, error) {
	document, err := b.doc.Load()
	if err != nil {
		return nil, err
	}
	for _, a := range document.Alerts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, models.ErrNotFound
}

func (b *FileBackend) Insert(_ context.Context, alert *models.Alert) error {
	return b.mutate(func(doc *localstore.Document) error {
		doc.Alerts = append(doc.Alerts, alert)
		return nil
	})
}

func (b *FileBackend) Save(_ context.Context, alert *models.Alert) error {
	return b.mutate(func(doc *localstore.Document) error {
		for i, a := range doc.Alerts {
			if a.ID == alert.ID {
				doc.Alerts[i] = alert
				return nil
			}
		}
		return models.ErrNotFound
	})
}

func (b *FileBackend) Delete(_ context.Context, id string) error {
	return b.mutate(func(doc *localstore.Document) error {
		for i, a := range doc.Alerts {
			if a.ID == id {
				doc.Alerts = append(doc.Alerts[:i], doc.Alerts[i+1:]...)
				return nil
			}
		}
		return models.ErrNotFound
	})
}

func (b *FileBackend) Purge(_ context.Context, cutoff time.Time) (int, error) {
	purged := 0
	err := b.mutate(func(doc *localstore.Document) error {
		purged = 0 // reset if the mutation is retried
		kept := doc.Alerts[:0]
		for _, a := range doc.Alerts {
			if expired(a, cutoff) {
				purged++
				continue
			}
			kept = append(kept, a)
		}
		doc.Alerts = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

func expired(a *models.Alert, cutoff time.Time) bool {
	switch a.Status {
	case models.StatusDismissed:
		return a.DismissedAt != nil && a.DismissedAt.Before(cutoff)
	case models.StatusTriggered:
		return a.TriggeredAt != nil && a.TriggeredAt.Before(cutoff)
	default:
		return false
	}
}

func (b *FileBackend) mutate(fn func(*localstore.Document) error) error {
	for attempt := 0; ; attempt++ {
		document, err := b.doc.Load()
		if err != nil {
			return err
		}
		if err := fn(&document); err != nil {
			return err
		}
		err = b.doc.Save(document)
		if err == nil {
			return nil
		}
		if !errors.Is(err, localstore.ErrConflict) || attempt > 0 {
			return err
		}
	}
}
