// Package loader resolves a participant's view of a document, falling back to an initial view.
package loader

import (
	"context"
	"errors"
	"fmt"

	"concord/api/internal/annotation"
)

// ViewStore is the persistence side the loader reads from.
type ViewStore interface {
	// ExistsView reports whether owner has a finished view of the document.
	ExistsView(ctx context.Context, documentID string, owner annotation.Participant) (bool, error)
	LoadView(ctx context.Context, documentID string, owner annotation.Participant) (*annotation.View, error)
	CreateInitialView(ctx context.Context, doc annotation.SourceDocument) (*annotation.View, error)
}

type Upgrader interface {
	CurrentVersion() int
	Upgrade(ctx context.Context, view *annotation.View) error
}

type Loader struct {
	store    ViewStore
	upgrader Upgrader
}

func New(store ViewStore, upgrader Upgrader) *Loader {
	return &Loader{store: store, upgrader: upgrader}
}

// Load returns the owner's stored view, or a fresh initial view stamped with the document identity.
// stored reports which of the two was returned. A missing view is not an error.
func (l *Loader) Load(ctx context.Context, doc annotation.SourceDocument, owner annotation.Participant) (*annotation.View, bool, error) {
	if owner.IsZero() {
		return nil, false, errors.New("load view: owner is required")
	}
	exists, err := l.store.ExistsView(ctx, doc.ID, owner)
	if err != nil {
		return nil, false, fmt.Errorf("check view %s/%s: %w", doc.ID, owner, err)
	}

	var view *annotation.View
	if exists {
		view, err = l.store.LoadView(ctx, doc.ID, owner)
		if err != nil {
			return nil, false, fmt.Errorf("load view %s/%s: %w", doc.ID, owner, err)
		}
		view.Owner = owner
	} else {
		view, err = l.store.CreateInitialView(ctx, doc)
		if err != nil {
			return nil, false, fmt.Errorf("create initial view %s: %w", doc.ID, err)
		}
		view.DocumentID = doc.ID
		view.DocumentName = doc.Name
		view.ProjectID = doc.ProjectID
		view.Owner = owner
		view.Initial = true
	}

	if l.upgrader != nil && view.SchemaVersion < l.upgrader.CurrentVersion() {
		if err := l.upgrader.Upgrade(ctx, view); err != nil {
			return nil, false, fmt.Errorf("upgrade view %s/%s: %w", doc.ID, owner, err)
		}
	}
	return view, exists, nil
}

// LoadAll returns the stored views of the given owners. Owners without a stored view are omitted.
func (l *Loader) LoadAll(ctx context.Context, doc annotation.SourceDocument, owners []annotation.Participant) (map[annotation.Participant]*annotation.View, error) {
	views := make(map[annotation.Participant]*annotation.View, len(owners))
	for _, owner := range owners {
		view, stored, err := l.Load(ctx, doc, owner)
		if err != nil {
			return nil, err
		}
		if stored {
			views[owner] = view
		}
	}
	return views, nil
}
